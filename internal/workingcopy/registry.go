package workingcopy

import (
	"fmt"
	"strings"
	"sync"
)

// Constructor creates a Backend for a working-copy URI.
// Implementations register themselves with Register().
type Constructor func(uri string) (Backend, error)

var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor for a URI scheme.
// It is called from init() functions in backend subpackages:
//
//	func init() {
//	    workingcopy.Register("postgresql", New)
//	}
func Register(scheme string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("workingcopy: Register constructor is nil for scheme %s", scheme))
	}
	if _, exists := registry[scheme]; exists {
		panic(fmt.Sprintf("workingcopy: Register called twice for scheme %s", scheme))
	}
	registry[scheme] = constructor
}

// RegisteredSchemes returns all registered URI schemes.
func RegisteredSchemes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	schemes := make([]string, 0, len(registry))
	for s := range registry {
		schemes = append(schemes, s)
	}
	return schemes
}

// NewBackend creates a Backend for the given URI by scheme lookup.
// A URI with no scheme is treated as a local sqlite database path.
func NewBackend(uri string) (Backend, error) {
	scheme := "sqlite"
	if idx := strings.Index(uri, "://"); idx > 0 {
		scheme = uri[:idx]
	}

	registryMutex.RLock()
	constructor := registry[scheme]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("%w: %q (registered: %s)",
			ErrUnknownScheme, scheme, strings.Join(RegisteredSchemes(), ", "))
	}
	return constructor(uri)
}
