package counter

import (
	"context"
	"errors"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"slices"
	"sync"
)

const (
	ConfigurationCacheName = "counter-configuration"
	ValueCacheName         = "counter-values"

	maxDefineAttempts = 16
)

// ConfigurationManager owns the cluster-wide counter definitions. Definitions
// live in the configuration cache, first writer wins; persisted ones are also
// kept in the local ConfigurationStorage and re-defined at start.
type ConfigurationManager struct {
	provider cache.Provider
	storage  ConfigurationStorage

	mu    sync.Mutex
	cache cache.Cache
	reg   cache.Registration

	logger *common.Logger
}

func NewConfigurationManager(provider cache.Provider, storage ConfigurationStorage, logger *common.Logger) *ConfigurationManager {
	return &ConfigurationManager{
		provider: provider,
		storage:  storage,
		logger:   logger,
	}
}

func (m *ConfigurationManager) Storage() ConfigurationStorage {
	return m.storage
}

// Start opens the configuration cache, follows definitions made by other
// nodes and re-defines the locally stored ones.
func (m *ConfigurationManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cache != nil {
		m.mu.Unlock()
		return nil
	}
	c, err := m.provider.Cache(ctx, ConfigurationCacheName)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open configuration cache: %w", err)
	}
	reg, err := c.AddListener(ctx, m.onEntry, cache.WithEventTypes(cache.EventCreated, cache.EventRemoved))
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("watch configuration cache: %w", err)
	}
	m.cache, m.reg = c, reg
	m.mu.Unlock()

	stored, err := m.storage.Load(ctx)
	if err != nil {
		return err
	}
	for name, cfg := range stored {
		if _, err := m.Define(ctx, name, cfg); err != nil {
			m.logger.Ctx(ctx).Warn("stored counter definition not restored",
				zap.String("counter", name), zap.Error(err))
		}
	}
	return nil
}

func (m *ConfigurationManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.reg != nil {
		err = m.reg.Unregister()
		m.reg = nil
	}
	m.cache = nil
	return err
}

func (m *ConfigurationManager) configurationCache() (cache.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return nil, ErrNotStarted
	}
	return m.cache, nil
}

func (m *ConfigurationManager) DefineAsync(ctx context.Context, name string, cfg Configuration) *common.Future[bool] {
	return common.Go(ctx, func(ctx context.Context) (bool, error) {
		return m.Define(ctx, name, cfg)
	})
}

// Define stores cfg under name if no definition exists. It returns false for
// an identical existing definition and ErrInvalidConfiguration for a
// different one.
func (m *ConfigurationManager) Define(ctx context.Context, name string, cfg Configuration) (bool, error) {
	if name == "" {
		return false, invalidConfiguration("counter name cannot be empty")
	}
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if err := m.storage.Validate(name, cfg); err != nil {
		return false, err
	}
	c, err := m.configurationCache()
	if err != nil {
		return false, err
	}
	data, err := msgpack.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode configuration of '%s': %w", name, err)
	}

	for attempt := 0; attempt < maxDefineAttempts; attempt++ {
		_, err := c.Create(ctx, encodeName(name), data)
		if err == nil {
			if err := m.storage.Store(ctx, name, cfg); err != nil {
				return true, err
			}
			return true, nil
		}
		if !errors.Is(err, cache.ErrConflict) {
			return false, fmt.Errorf("define counter '%s': %w", name, err)
		}
		existing, err := m.Get(ctx, name)
		if err != nil {
			return false, err
		}
		if existing == nil {
			// Removed between the create and the read.
			continue
		}
		if existing.Equal(cfg) {
			return false, nil
		}
		return false, invalidConfiguration("counter '%s' is already defined as %s", name, existing.Type)
	}
	return false, fmt.Errorf("define counter '%s': definition kept changing: %w", name, cache.ErrConflict)
}

func (m *ConfigurationManager) GetAsync(ctx context.Context, name string) *common.Future[*Configuration] {
	return common.Go(ctx, func(ctx context.Context) (*Configuration, error) {
		return m.Get(ctx, name)
	})
}

// Get returns nil without error when name is not defined.
func (m *ConfigurationManager) Get(ctx context.Context, name string) (*Configuration, error) {
	c, err := m.configurationCache()
	if err != nil {
		return nil, err
	}
	entry, err := c.Get(ctx, encodeName(name))
	if errors.Is(err, cache.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read configuration of '%s': %w", name, err)
	}
	cfg, err := decodeConfiguration(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("decode configuration of '%s': %w", name, err)
	}
	return &cfg, nil
}

func (m *ConfigurationManager) RemoveAsync(ctx context.Context, name string) *common.Future[bool] {
	return common.Go(ctx, func(ctx context.Context) (bool, error) {
		return m.Remove(ctx, name)
	})
}

// Remove deletes the definition of name and reports whether one existed.
func (m *ConfigurationManager) Remove(ctx context.Context, name string) (bool, error) {
	c, err := m.configurationCache()
	if err != nil {
		return false, err
	}
	existing, err := m.Get(ctx, name)
	if err != nil || existing == nil {
		return false, err
	}
	if err := c.Delete(ctx, encodeName(name)); err != nil {
		return false, fmt.Errorf("remove configuration of '%s': %w", name, err)
	}
	if err := m.storage.Remove(ctx, name); err != nil {
		return true, err
	}
	return true, nil
}

// Names lists every defined counter, sorted.
func (m *ConfigurationManager) Names(ctx context.Context) ([]string, error) {
	c, err := m.configurationCache()
	if err != nil {
		return nil, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list counter configurations: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name, ok := decodeName(k); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// onEntry mirrors definitions made anywhere in the cluster into the local storage.
func (m *ConfigurationManager) onEntry(ev cache.EntryEvent) {
	ctx := context.Background()
	name, ok := decodeName(ev.Key)
	if !ok {
		return
	}
	var err error
	switch ev.Type {
	case cache.EventCreated:
		var cfg Configuration
		if cfg, err = decodeConfiguration(ev.Value); err == nil {
			err = m.storage.Store(ctx, name, cfg)
		}
	case cache.EventRemoved:
		err = m.storage.Remove(ctx, name)
	}
	if err != nil {
		m.logger.Ctx(ctx).Warn("failed to mirror counter configuration",
			zap.String("counter", name), zap.Stringer("event", ev.Type), zap.Error(err))
	}
}

func decodeConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if err := msgpack.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}
