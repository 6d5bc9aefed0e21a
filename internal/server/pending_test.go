package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

func newWaiter(t *testing.T, url string, timeout int, at time.Time) *waiter {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	req := crawler.NewFetchRequest(url)
	req.Timeout = timeout
	return &waiter{request: req, conn: a, enqueued: at}
}

func TestPendingAttachCoalesces(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPendingTable()
	first := newWaiter(t, "https://Example.com/a", 5, now)
	second := newWaiter(t, "https://example.com/a", 5, now)

	c1, started := p.attach(first, "full", "/tmp/w1")
	require.True(t, started)
	c2, started := p.attach(second, "ignored", "/tmp/w2")
	require.False(t, started)
	require.Same(t, c1, c2)
	require.Equal(t, "full", c2.crawlerName)
	require.Equal(t, 2, p.size())
	require.Equal(t, map[string]bool{"/tmp/w1": true}, p.activeWorkDirs())
}

func TestPendingDetachKeepsCrawl(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPendingTable()
	w := newWaiter(t, "https://example.com/b", 5, now)
	c, _ := p.attach(w, "", "")

	p.detach(w.conn)
	require.Zero(t, p.waiterCount(w.request.URL))

	again := newWaiter(t, w.request.URL, 5, now)
	c2, started := p.attach(again, "", "")
	require.False(t, started)
	require.Same(t, c, c2)
}

func TestPendingTakeIfCurrent(t *testing.T) {
	t.Parallel()

	p := newPendingTable()
	c, _ := p.attach(newWaiter(t, "https://example.com/c", 5, time.Now()), "", "")

	taken, ok := p.take("https://example.com/c")
	require.True(t, ok)
	require.Same(t, c, taken)
	require.False(t, p.takeIfCurrent(c))

	_, ok = p.take("https://example.com/c")
	require.False(t, ok)
}

func TestPendingReap(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	p := newPendingTable()
	short := newWaiter(t, "https://example.com/short", 1, start)
	long := newWaiter(t, "https://example.com/long", 30, start)
	p.attach(short, "", "")
	p.attach(long, "", "")

	stale := p.reap(start.Add(5*time.Second), time.Second)
	require.Len(t, stale, 1)
	require.Same(t, short, stale[0])
	require.Equal(t, 1, p.size())
	require.Zero(t, p.waiterCount(short.request.URL))

	require.Len(t, p.drain(), 1)
	require.Zero(t, p.size())
}
