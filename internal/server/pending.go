package server

import (
	"net"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// waiter is one connection blocked on a crawl.
type waiter struct {
	request  crawler.FetchRequest
	conn     net.Conn
	enqueued time.Time
}

func (w *waiter) expired(now time.Time, grace time.Duration) bool {
	return now.Sub(w.enqueued) > w.request.TimeoutDuration()+grace
}

// crawl is the single outstanding crawl for a URL.
type crawl struct {
	key         string
	request     crawler.FetchRequest
	crawlerName string
	started     time.Time
	workDir     string
	waiters     []*waiter
}

func (c *crawl) expired(now time.Time, grace time.Duration) bool {
	return now.Sub(c.started) > c.request.TimeoutDuration()+grace
}

// pendingTable is keyed by crawler.CoalesceKey. Every access holds mu.
type pendingTable struct {
	mu     sync.Mutex
	crawls map[string]*crawl
}

func newPendingTable() *pendingTable {
	return &pendingTable{crawls: map[string]*crawl{}}
}

// attach adds w to the crawl for its URL. When none is outstanding, a new
// crawl is created and returned with started=true; the caller must launch it.
func (p *pendingTable) attach(w *waiter, crawlerName, workDir string) (c *crawl, started bool) {
	key := crawler.CoalesceKey(w.request.URL)
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.crawls[key]; ok {
		existing.waiters = append(existing.waiters, w)
		return existing, false
	}
	c = &crawl{
		key:         key,
		request:     w.request,
		crawlerName: crawlerName,
		started:     w.enqueued,
		workDir:     workDir,
		waiters:     []*waiter{w},
	}
	p.crawls[key] = c
	return c, true
}

// take removes and returns the crawl for requestURL.
func (p *pendingTable) take(requestURL string) (*crawl, bool) {
	key := crawler.CoalesceKey(requestURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.crawls[key]
	if ok {
		delete(p.crawls, key)
	}
	return c, ok
}

// takeIfCurrent removes c only if it is still the outstanding crawl for its
// key.
func (p *pendingTable) takeIfCurrent(c *crawl) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.crawls[c.key] != c {
		return false
	}
	delete(p.crawls, c.key)
	return true
}

// current reports whether c is still the outstanding crawl for its key.
func (p *pendingTable) current(c *crawl) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crawls[c.key] == c
}

// detach drops a waiter whose connection went away. The crawl stays
// outstanding so a later request for the URL does not start a second one.
func (p *pendingTable) detach(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.crawls {
		kept := c.waiters[:0]
		for _, w := range c.waiters {
			if w.conn != conn {
				kept = append(kept, w)
			}
		}
		c.waiters = kept
	}
}

// reap removes waiters older than their timeout plus grace, and crawls that
// have no waiters left and are themselves expired. It returns the removed
// waiters; the caller closes their connections outside the lock.
func (p *pendingTable) reap(now time.Time, grace time.Duration) []*waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stale []*waiter
	for key, c := range p.crawls {
		kept := c.waiters[:0]
		for _, w := range c.waiters {
			if w.expired(now, grace) {
				stale = append(stale, w)
				continue
			}
			kept = append(kept, w)
		}
		c.waiters = kept
		if len(c.waiters) == 0 && c.expired(now, grace) {
			delete(p.crawls, key)
		}
	}
	return stale
}

// activeWorkDirs lists the work directories of outstanding crawls.
func (p *pendingTable) activeWorkDirs() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.crawls))
	for _, c := range p.crawls {
		if c.workDir != "" {
			out[c.workDir] = true
		}
	}
	return out
}

// waiterCount returns the number of waiters on requestURL's crawl.
func (p *pendingTable) waiterCount(requestURL string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.crawls[crawler.CoalesceKey(requestURL)]; ok {
		return len(c.waiters)
	}
	return 0
}

// size returns the total number of waiters.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.crawls {
		n += len(c.waiters)
	}
	return n
}

// drain empties the table and returns every waiter.
func (p *pendingTable) drain() []*waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*waiter
	for key, c := range p.crawls {
		out = append(out, c.waiters...)
		delete(p.crawls, key)
	}
	return out
}
