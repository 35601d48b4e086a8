package counter

import (
	"context"
	"errors"
	"fmt"
	"github.com/vmihailenco/msgpack/v5"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

const persistedConfigurationFile = "counters.msgpack"

// ConfigurationStorage keeps the definitions of this node's counters outside
// the cluster cache.
type ConfigurationStorage interface {
	// Validate rejects definitions the storage cannot honor.
	Validate(name string, cfg Configuration) error
	// Load returns the definitions to re-establish at start.
	Load(ctx context.Context) (map[string]Configuration, error)
	Store(ctx context.Context, name string, cfg Configuration) error
	Remove(ctx context.Context, name string) error
}

// VolatileConfigurationStorage keeps nothing. Persisted counters are
// rejected since their definition could not outlive the process.
type VolatileConfigurationStorage struct{}

func NewVolatileConfigurationStorage() *VolatileConfigurationStorage {
	return &VolatileConfigurationStorage{}
}

func (s *VolatileConfigurationStorage) Validate(name string, cfg Configuration) error {
	if cfg.Storage == Persisted {
		return invalidConfiguration("counter '%s' is persisted but no global state directory is configured", name)
	}
	return nil
}

func (s *VolatileConfigurationStorage) Load(context.Context) (map[string]Configuration, error) {
	return map[string]Configuration{}, nil
}

func (s *VolatileConfigurationStorage) Store(context.Context, string, Configuration) error {
	return nil
}

func (s *VolatileConfigurationStorage) Remove(context.Context, string) error {
	return nil
}

// PersistedConfigurationStorage writes persisted counter definitions to a
// msgpack file in the global state directory. Volatile counters are never written.
type PersistedConfigurationStorage struct {
	path string

	mu      sync.Mutex
	configs map[string]Configuration
	loaded  bool
}

func NewPersistedConfigurationStorage(dir string) *PersistedConfigurationStorage {
	return &PersistedConfigurationStorage{
		path:    filepath.Join(dir, persistedConfigurationFile),
		configs: make(map[string]Configuration),
	}
}

func (s *PersistedConfigurationStorage) Path() string {
	return s.path
}

func (s *PersistedConfigurationStorage) Validate(string, Configuration) error {
	return nil
}

func (s *PersistedConfigurationStorage) Load(context.Context) (map[string]Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return maps.Clone(s.configs), nil
}

func (s *PersistedConfigurationStorage) Store(_ context.Context, name string, cfg Configuration) error {
	if cfg.Storage != Persisted {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if existing, ok := s.configs[name]; ok && existing.Equal(cfg) {
		return nil
	}
	s.configs[name] = cfg
	return s.flushLocked()
}

func (s *PersistedConfigurationStorage) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.configs[name]; !ok {
		return nil
	}
	delete(s.configs, name)
	return s.flushLocked()
}

func (s *PersistedConfigurationStorage) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read counter configurations '%s': %w", s.path, err)
	}
	configs := make(map[string]Configuration)
	if err := msgpack.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("decode counter configurations '%s': %w", s.path, err)
	}
	s.configs = configs
	s.loaded = true
	return nil
}

// flushLocked replaces the file atomically through a rename.
func (s *PersistedConfigurationStorage) flushLocked() error {
	data, err := msgpack.Marshal(s.configs)
	if err != nil {
		return fmt.Errorf("encode counter configurations: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create global state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write counter configurations: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace counter configurations: %w", err)
	}
	return nil
}

var (
	_ ConfigurationStorage = (*VolatileConfigurationStorage)(nil)
	_ ConfigurationStorage = (*PersistedConfigurationStorage)(nil)
)
