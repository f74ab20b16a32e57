package driver

import (
	"sort"
	"sync"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/errs"
)

// Factory constructs a driver from a validated configuration.
type Factory func(cfg config.Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a venue factory under its id. Venue packages call this
// from init; re-registering an id replaces the factory.
func Register(id string, factory Factory) {
	registryMu.Lock()
	registry[id] = factory
	registryMu.Unlock()
}

// New constructs a driver for the registered venue id.
func New(id string, cfg config.Config) (Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.New(id, errs.KindValidation,
			errs.WithMessage("unknown venue id"))
	}
	return factory(cfg)
}

// IDs lists the registered venue ids in stable order.
func IDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
