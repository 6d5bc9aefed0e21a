// Package fetcher resolves backend names to constructors. The registry is
// filled once at startup; backends whose native dependency is unavailable
// are simply never registered.
package fetcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// Constructor builds a fresh backend for one fetch.
type Constructor func(logger *zap.Logger) (crawler.Backend, error)

// ErrUnknownBackend is returned for names that were never registered.
var ErrUnknownBackend = errors.New("backend not registered")

// Registry maps backend names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// Register adds or replaces a constructor. Names are case-insensitive.
func (r *Registry) Register(name string, ctor Constructor) {
	if strings.TrimSpace(name) == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[strings.ToLower(name)] = ctor
}

// Available reports whether name has a constructor.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[strings.ToLower(name)]
	return ok
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs and configures the backend a descriptor names.
func (r *Registry) New(desc crawler.CrawlerDescriptor, logger *zap.Logger) (crawler.Backend, error) {
	name := strings.ToLower(desc.BackendName())
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, r.Names())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := ctor(logger.With(zap.String("backend", name)))
	if err != nil {
		return nil, fmt.Errorf("construct backend %q: %w", name, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("construct backend %q: constructor returned nil", name)
	}
	if err := backend.Configure(desc.Settings); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("configure backend %q: %w", name, err)
	}
	return backend, nil
}
