package config

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/erra-dev/erra/log"
	"github.com/erra-dev/erra/snippet"
)

// Store holds the live config and the snippet registry built from it.
// Reload re-reads the file and swaps both.
type Store struct {
	path      string
	overrides Overrides

	mu       sync.Mutex
	current  atomic.Pointer[Config]
	registry *snippet.Registry
	onReload []func(*Config)
}

func NewStore(path string, ov Overrides) (*Store, error) {
	cfg, err := Load(path, ov)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:      path,
		overrides: ov,
		registry:  cfg.Registry(),
	}
	s.current.Store(cfg)
	return s, nil
}

func (s *Store) Config() *Config {
	return s.current.Load()
}

func (s *Store) Registry() *snippet.Registry {
	return s.registry
}

// OnReload registers fn to run after each successful reload.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Reload reads the file again. On error the current config and
// snippets stay in place.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path, s.overrides)
	if err != nil {
		log.Errorf("reload %s: %v", s.path, err)
		return err
	}
	s.current.Store(cfg)
	snap := s.registry.Replace(cfg.Docs)
	log.Infof("config reloaded, snippets version %d", snap.Version())

	for _, fn := range s.onReload {
		fn(cfg)
	}
	return nil
}
