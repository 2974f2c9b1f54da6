package dialect

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
)

// Info describes a registered backend.
type Info struct {
	Name        string   // registry key, e.g. "mysql"
	Aliases     []string // additional kinds resolving to the same dialect
	DisplayName string   // "MySQL / MariaDB"
	DefaultPort int      // 0 for file-based backends
}

// Registration pairs backend info with its dialect.
type Registration struct {
	Info    Info
	Dialect Dialect
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each backend's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(reg.Info.Name)] = reg
	for _, alias := range reg.Info.Aliases {
		registry[strings.ToLower(alias)] = reg
	}
}

// Lookup resolves a configured backend kind. Unknown kinds fail with
// apperrors.ErrUnknownBackend.
func Lookup(kind string) (Dialect, error) {
	reg, err := LookupRegistration(kind)
	if err != nil {
		return nil, err
	}
	return reg.Dialect, nil
}

func LookupRegistration(kind string) (Registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[strings.ToLower(strings.TrimSpace(kind))]; ok {
		return reg, nil
	}
	return Registration{}, fmt.Errorf("%w: %q (not compiled in; registered: %s)",
		apperrors.ErrUnknownBackend, kind, strings.Join(registeredLocked(), ", "))
}

// Registered returns every registered kind, aliases included, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredLocked()
}

func registeredLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend kind is available.
func IsRegistered(kind string) bool {
	_, err := LookupRegistration(kind)
	return err == nil
}
