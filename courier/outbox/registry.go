package outbox

import (
	"fmt"
	"sort"
	"sync"
)

// StoreFactory builds a Store from a driver-specific configuration value.
// Each driver documents the concrete configuration type it accepts.
type StoreFactory func(config any) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]StoreFactory)
)

// Register makes a store driver available under the given name, in the
// manner of database/sql driver registration. Driver packages call it from
// init. Registering a nil factory or a duplicate name panics.
func Register(name string, factory StoreFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if factory == nil {
		panic("outbox: Register factory is nil")
	}

	if _, dup := drivers[name]; dup {
		panic("outbox: Register called twice for driver " + name)
	}

	drivers[name] = factory
}

// Open builds a Store with the named driver, passing config through to the
// driver factory. Unknown names fail with ErrUnknownDriver.
func Open(name string, config any) (Store, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("open %q: %w", name, ErrUnknownDriver)
	}

	return factory(config)
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func init() {
	Register("memory", func(any) (Store, error) {
		return NewInMemoryStore(), nil
	})
}
