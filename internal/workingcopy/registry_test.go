package workingcopy

import (
	"errors"
	"testing"
)

func TestRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register(nil) did not panic")
		}
	}()
	Register("reg-test-nil", nil)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	ctor := func(uri string) (Backend, error) { return nil, nil }
	Register("reg-test-dup", ctor)
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register("reg-test-dup", ctor)
}

func TestNewBackendUnknownScheme(t *testing.T) {
	_, err := NewBackend("nosuch://host/db")
	if !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("err = %v, want ErrUnknownScheme", err)
	}
}

func TestNewBackendDispatch(t *testing.T) {
	var gotURI string
	Register("reg-test-ok", func(uri string) (Backend, error) {
		gotURI = uri
		return nil, nil
	})
	if _, err := NewBackend("reg-test-ok://somewhere"); err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if gotURI != "reg-test-ok://somewhere" {
		t.Errorf("constructor got %q", gotURI)
	}
}
