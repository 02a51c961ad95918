package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownStorage = errors.New("storage: unknown storage module")
	ErrUnsupported    = errors.New("storage: unsupported configuration")
)

// Capability flags describe what a backend can do natively.
type Capability uint32

const (
	// CapTTL: entries expire inside the backend once past the hard TTL.
	CapTTL Capability = 1 << iota
	// CapMaxCount: the backend can enforce Config.MaxCount.
	CapMaxCount
	// CapMaxSize: the backend can enforce Config.MaxSize.
	CapMaxSize
	// CapEviction: the backend evicts entries under memory pressure.
	CapEviction
	// CapPersistent: values survive a process restart.
	CapPersistent
	// CapShared: one backend instance may serve several processes.
	CapShared
)

func (c Capability) Has(o Capability) bool { return c&o == o }

func (c Capability) String() string {
	names := []struct {
		c Capability
		n string
	}{
		{CapTTL, "ttl"},
		{CapMaxCount, "max_count"},
		{CapMaxSize, "max_size"},
		{CapEviction, "eviction"},
		{CapPersistent, "persistent"},
		{CapShared, "shared"},
	}
	var parts []string
	for _, n := range names {
		if c.Has(n.c) {
			parts = append(parts, n.n)
		}
	}
	return strings.Join(parts, ",")
}

// Module describes a backend implementation.
type Module struct {
	Name         string
	Capabilities Capability
	Create       func(cfg Config) (Storage, error)
}

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]Module)
)

// Register makes a storage module available by name.
// It panics if called twice for the same name or with a nil Create.
func Register(m Module) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if m.Create == nil {
		panic("storage: Register with nil Create for " + m.Name)
	}
	if _, dup := modules[m.Name]; dup {
		panic("storage: Register called twice for " + m.Name)
	}
	modules[m.Name] = m
}

// Modules returns the sorted names of the registered modules.
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	out := make([]string, 0, len(modules))
	for name := range modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Factory creates Storage instances of one module. A Factory is immutable
// and may be shared by several caches.
type Factory struct {
	module Module
}

// Open returns a factory for the named module.
func Open(name string) (*Factory, error) {
	modulesMu.RLock()
	m, ok := modules[name]
	modulesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownStorage, name, strings.Join(Modules(), ", "))
	}
	return &Factory{module: m}, nil
}

// NewFactory wraps a module that has not been registered.
func NewFactory(m Module) (*Factory, error) {
	if m.Create == nil {
		return nil, fmt.Errorf("storage: module %q has no Create", m.Name)
	}
	return &Factory{module: m}, nil
}

func (f *Factory) Name() string             { return f.module.Name }
func (f *Factory) Capabilities() Capability { return f.module.Capabilities }

// Validate reports whether cfg can be served by the module.
func (f *Factory) Validate(cfg Config) error {
	caps := f.module.Capabilities
	if cfg.MaxCount > 0 && !caps.Has(CapMaxCount) {
		return fmt.Errorf("%w: %s cannot enforce max_count", ErrUnsupported, f.module.Name)
	}
	if cfg.MaxSize > 0 && !caps.Has(CapMaxSize) {
		return fmt.Errorf("%w: %s cannot enforce max_size", ErrUnsupported, f.module.Name)
	}
	if cfg.MaxCount < 0 || cfg.MaxSize < 0 {
		return fmt.Errorf("%w: negative limits", ErrUnsupported)
	}
	if cfg.SoftTTL < 0 || cfg.HardTTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrUnsupported)
	}
	return nil
}

// CreateStorage validates cfg and creates a new Storage.
func (f *Factory) CreateStorage(cfg Config) (Storage, error) {
	if err := f.Validate(cfg); err != nil {
		return nil, err
	}
	s, err := f.module.Create(cfg.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", f.module.Name, err)
	}
	return s, nil
}
