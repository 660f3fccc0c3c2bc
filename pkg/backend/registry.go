package backend

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
)

// FactoryFunc builds a backend from the engine it can reach the fleet
// through, the task pool deferred work runs on, and a JSON config.
type FactoryFunc func(engine rpc.Engine, p *pool.Pool, config json.RawMessage) (Backend, error)

// Factory pairs the create-new and open-existing constructors of one
// backend type.
type Factory struct {
	Create FactoryFunc
	Attach FactoryFunc
}

var (
	registryMu sync.RWMutex
	registry   map[string]Factory
)

// Register makes a backend type available under the given name.
// Backend packages call it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry == nil {
		registry = make(map[string]Factory)
	}
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("backend type %q registered twice", name))
	}
	registry[name] = f
}

func lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return Factory{}, fmt.Errorf("unknown backend type %q", name)
	}
	return f, nil
}

// Create builds a fresh database of the named type.
func Create(name string, engine rpc.Engine, p *pool.Pool, config json.RawMessage) (Backend, error) {
	f, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return f.Create(engine, p, config)
}

// Attach opens an existing database of the named type.
func Attach(name string, engine rpc.Engine, p *pool.Pool, config json.RawMessage) (Backend, error) {
	f, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return f.Attach(engine, p, config)
}

// Types returns the registered backend type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
