package workingcopy

import (
	"fmt"
	"sort"
	"strings"
)

// Scope restricts a diff or commit to an explicit subset of pending
// primary keys. A nil *Scope means "all pending changes".
type Scope struct {
	keys map[string]map[string]bool // dataset -> pk set
}

// ParseScope parses "dataset:pk" arguments into a Scope. A nil or empty
// argument list yields a nil Scope (everything pending).
func ParseScope(args []string) (*Scope, error) {
	if len(args) == 0 {
		return nil, nil
	}
	s := &Scope{keys: map[string]map[string]bool{}}
	for _, arg := range args {
		dataset, pk, ok := strings.Cut(arg, ":")
		if !ok || dataset == "" || pk == "" {
			return nil, fmt.Errorf("invalid scope %q: expected DATASET:PRIMARY_KEY", arg)
		}
		if s.keys[dataset] == nil {
			s.keys[dataset] = map[string]bool{}
		}
		s.keys[dataset][pk] = true
	}
	return s, nil
}

// Datasets returns the dataset names named by the scope, sorted.
func (s *Scope) Datasets() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.keys))
	for name := range s.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether the scope covers a primary key. A nil scope
// covers everything.
func (s *Scope) Contains(dataset, pk string) bool {
	if s == nil {
		return true
	}
	return s.keys[dataset][pk]
}

// PKs returns the scoped primary keys for a dataset, sorted.
func (s *Scope) PKs(dataset string) []string {
	if s == nil {
		return nil
	}
	pks := make([]string, 0, len(s.keys[dataset]))
	for pk := range s.keys[dataset] {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks
}

// Filter returns the subset of pks covered by the scope, preserving
// order. A nil scope returns pks unchanged.
func (s *Scope) Filter(dataset string, pks []string) []string {
	if s == nil {
		return pks
	}
	var out []string
	for _, pk := range pks {
		if s.keys[dataset][pk] {
			out = append(out, pk)
		}
	}
	return out
}

// Validate checks that every scoped key is present in tracked (the
// pending keys per dataset), returning ErrScopeNotFound naming the first
// missing key otherwise.
func (s *Scope) Validate(tracked map[string][]string) error {
	if s == nil {
		return nil
	}
	for _, dataset := range s.Datasets() {
		have := map[string]bool{}
		for _, pk := range tracked[dataset] {
			have[pk] = true
		}
		for _, pk := range s.PKs(dataset) {
			if !have[pk] {
				return fmt.Errorf("%w: %s:%s", ErrScopeNotFound, dataset, pk)
			}
		}
	}
	return nil
}
