package opqueue

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Backend persists the queue between process restarts. Load returns nil when
// nothing has been saved yet.
type Backend interface {
	Load() (*State, error)
	Save(state *State) error
	Close() error
}

type MemoryBackend struct {
	mu    sync.Mutex
	state *State
	saves int
	fail  error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return nil, nil
	}
	return b.state.clone(), nil
}

func (b *MemoryBackend) Save(state *State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.state = state.clone()
	b.saves++
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// FailSaves makes every following Save return err until called with nil.
func (b *MemoryBackend) FailSaves(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

type BackendFactory func(dsn string) (Backend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes OpenBackend understand an additional scheme.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	factory, ok := backendRegistry.factories[scheme]
	return factory, ok
}

// OpenBackend builds a Backend from memory://, file:///path/queue.json, a bare
// path, or postgres://….
func OpenBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("queue backend dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "", "file":
		path := dsnPath(parsed, dsn)
		if path == "" {
			return nil, errors.New("queue file path is empty")
		}
		return NewFileBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, ""), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw)
	}
	if p := strings.TrimSpace(parsed.Path); p != "" {
		if parsed.Host != "" {
			return parsed.Host + p
		}
		return p
	}
	if p := strings.TrimSpace(parsed.Opaque); p != "" {
		return p
	}
	return strings.TrimSpace(parsed.Host)
}
