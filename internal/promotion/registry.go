// Package promotion holds the ordered fallback tables that map a fetch mode
// to backend candidates.
package promotion

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// ErrUnknownMode is returned for modes without a table.
var ErrUnknownMode = errors.New("promotion: unknown mode")

// Capabilities reports which backends exist in this build.
type Capabilities interface {
	Available(name string) bool
}

// Tables maps each mode to its preferred-to-fallback descriptors.
type Tables map[crawler.Mode][]crawler.CrawlerDescriptor

// DefaultOrder lists backend names per mode. Standard escalates from the
// cheapest backend; headless and full start heavy and fall back to the plain
// HTTP client.
var DefaultOrder = map[crawler.Mode][]string{
	crawler.ModeStandard: {"requests", "colly", "stealth", "headless", "full"},
	crawler.ModeHeadless: {"headless", "intercept", "stealth", "requests"},
	crawler.ModeFull:     {"full", "headless", "stealth", "requests"},
}

// DefaultTables builds DefaultOrder with the same settings on every
// descriptor.
func DefaultTables(settings crawler.Settings) Tables {
	out := make(Tables, len(DefaultOrder))
	for mode, names := range DefaultOrder {
		for _, name := range names {
			out[mode] = append(out[mode], crawler.CrawlerDescriptor{Name: name, Backend: name, Settings: settings})
		}
	}
	return out
}

// Registry serves candidate lists. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tables Tables
}

// New copies tables, dropping descriptors whose backend caps cannot build.
// A nil caps keeps everything.
func New(tables Tables, caps Capabilities) *Registry {
	filtered := make(Tables, len(tables))
	for mode, list := range tables {
		filtered[mode] = []crawler.CrawlerDescriptor{}
		for _, desc := range list {
			if caps != nil && !caps.Available(desc.BackendName()) {
				continue
			}
			filtered[mode] = append(filtered[mode], desc)
		}
	}
	return &Registry{tables: filtered}
}

// Candidates returns a copy of mode's list. An empty mode means standard.
func (r *Registry) Candidates(mode crawler.Mode) ([]crawler.CrawlerDescriptor, error) {
	if mode == "" {
		mode = crawler.ModeStandard
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, ok := r.tables[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return append([]crawler.CrawlerDescriptor(nil), list...), nil
}

// Find returns the first descriptor named name in any table.
func (r *Registry) Find(name string) (crawler.CrawlerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, mode := range []crawler.Mode{crawler.ModeStandard, crawler.ModeHeadless, crawler.ModeFull} {
		for _, desc := range r.tables[mode] {
			if strings.EqualFold(desc.Name, name) {
				return desc, true
			}
		}
	}
	for _, list := range r.tables {
		for _, desc := range list {
			if strings.EqualFold(desc.Name, name) {
				return desc, true
			}
		}
	}
	return crawler.CrawlerDescriptor{}, false
}

// Names lists every configured descriptor name once, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, list := range r.tables {
		for _, desc := range list {
			key := strings.ToLower(desc.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, desc.Name)
		}
	}
	sort.Strings(out)
	return out
}

// BringToFront moves the descriptor named name to the head of mode's list
// and reports whether it was found.
func (r *Registry) BringToFront(mode crawler.Mode, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.tables[mode]
	for i, desc := range list {
		if !strings.EqualFold(desc.Name, name) {
			continue
		}
		if i > 0 {
			copy(list[1:i+1], list[:i])
			list[0] = desc
		}
		return true
	}
	return false
}
