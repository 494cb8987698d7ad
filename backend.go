package aiop

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// BatchMax is the largest number of objects one Post call accepts.
const BatchMax = 256

// ObjectTable gives backends read access to the dispatcher's registrations.
type ObjectTable interface {
	Lookup(h Handle) (Object, bool)
}

// Backend is one native polling API.
//
// Backends translate native readiness into Events using the registration found in
// the ObjectTable, so ACPT/CONN and user data are reported back as registered.
// A backend is used from one goroutine at a time.
type Backend interface {
	// Name returns the registry name of the backend.
	Name() string
	// AddObject registers obj, replacing any interest already held for its handle.
	AddObject(obj Object) error
	// RemoveObject drops read and write interest for h. Unknown handles are ignored.
	RemoveObject(h Handle) error
	// PostBatch replaces the interest of every object, a zero Code only removes.
	// Failures of individual entries are reported with *BatchError.
	PostBatch(objs []Object) error
	// Wait fills events with ready descriptors and returns how many were written.
	Wait(events []Event, msec int) (int, error)
	// Clear drops the native queue and opens a fresh one without registrations.
	Clear() error
	// Exit releases native resources. It is safe to call more than once.
	Exit() error
}

// BackendFactory opens a backend for capacity registrations.
type BackendFactory func(capacity int, table ObjectTable) (Backend, error)

type backendEntry struct {
	name     string
	priority int
	factory  BackendFactory
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]backendEntry)
)

// RegisterBackend makes a backend selectable by name. Automatic selection picks the
// highest priority backend that opens; a negative priority is only used when named.
func RegisterBackend(name string, priority int, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = backendEntry{name: name, priority: priority, factory: factory}
}

// Backends lists registered backend names, most preferred first.
func Backends() []string {
	entries := sortedBackends()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

func sortedBackends() []backendEntry {
	backendsMu.RLock()
	entries := make([]backendEntry, 0, len(backends))
	for _, e := range backends {
		entries = append(entries, e)
	}
	backendsMu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority == entries[j].priority {
			return entries[i].name < entries[j].name
		}
		return entries[i].priority > entries[j].priority
	})
	return entries
}

func isAuto(name string) bool {
	return name == "" || name == "auto"
}

// openBackend opens the named backend, or probes the registry when name is "auto".
func openBackend(name string, capacity int, table ObjectTable) (Backend, error) {
	if !isAuto(name) {
		backendsMu.RLock()
		entry, ok := backends[name]
		backendsMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
		}
		return entry.factory(capacity, table)
	}
	err := ErrNoBackend
	for _, entry := range sortedBackends() {
		if entry.priority < 0 {
			continue
		}
		backend, openErr := entry.factory(capacity, table)
		if openErr == nil {
			return backend, nil
		}
		log.Debug().Msgf("backend %s is not usable: %v", entry.name, openErr)
		err = fmt.Errorf("%s: %w", entry.name, openErr)
	}
	return nil, err
}
