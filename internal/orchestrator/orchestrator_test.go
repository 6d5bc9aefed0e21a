package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/fetcher"
	"github.com/JakeFAU/crawl-broker/internal/promotion"
)

type stubBackend struct {
	crawler.Base
	name   string
	status int
	body   string
	delay  time.Duration
	closed *closeLog
}

type closeLog struct {
	mu    sync.Mutex
	names []string
}

func (c *closeLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *closeLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Run(_ context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	resp := crawler.NewResponse(request.URL, s.status)
	if s.body != "" {
		resp.SetText(s.body)
	}
	return crawler.Finish(resp, request, s.name, start)
}

func (s *stubBackend) Close() error {
	s.closed.add(s.name)
	return nil
}

type harness struct {
	registry *fetcher.Registry
	closed   *closeLog
}

func newHarness() *harness {
	return &harness{registry: fetcher.NewRegistry(), closed: &closeLog{}}
}

func (h *harness) add(name string, status int, delay time.Duration) {
	h.registry.Register(name, func(*zap.Logger) (crawler.Backend, error) {
		return &stubBackend{name: name, status: status, body: "from " + name, delay: delay, closed: h.closed}, nil
	})
}

func tables(names ...string) promotion.Tables {
	var list []crawler.CrawlerDescriptor
	for _, n := range names {
		list = append(list, crawler.CrawlerDescriptor{Name: n})
	}
	return promotion.Tables{crawler.ModeStandard: list}
}

func TestFetchStopsAtFirstValid(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("first", http.StatusForbidden, 0)
	h.add("second", http.StatusOK, 0)
	h.add("third", http.StatusOK, 0)
	o := New(promotion.New(tables("first", "second", "third"), h.registry), h.registry, zap.NewNop())

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "from second", resp.Text())
	require.Equal(t, []string{"first", "second"}, h.closed.list())
}

func TestFetchReturnsLastWhenAllFail(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("a", http.StatusInternalServerError, 0)
	h.add("b", http.StatusNotFound, 0)
	o := New(promotion.New(tables("a", "b"), h.registry), h.registry, zap.NewNop())

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "b", resp.CrawlerData["crawler"])
	require.Equal(t, []string{"a", "b"}, h.closed.list())
}

func TestFetchWithoutFallbackTriesHeadOnly(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("a", http.StatusInternalServerError, 0)
	h.add("b", http.StatusOK, 0)
	o := New(promotion.New(tables("a", "b"), h.registry), h.registry, zap.NewNop())

	opts := crawler.DefaultOptions()
	opts.UseFallback = false
	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), opts)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, []string{"a"}, h.closed.list())
}

func TestFetchUnknownModeAndEmptyTable(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := New(promotion.New(tables("unregistered"), h.registry), h.registry, zap.NewNop())

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, crawler.StatusGenericError, resp.StatusCode)

	opts := crawler.DefaultOptions()
	opts.Mode = crawler.ModeFull
	resp = o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), opts)
	require.Equal(t, crawler.StatusGenericError, resp.StatusCode)
	require.NotEmpty(t, resp.Errors)
}

func TestAdaptiveBringToFront(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("cheap", http.StatusForbidden, 0)
	h.add("heavy", http.StatusOK, 0)
	promo := promotion.New(tables("cheap", "heavy"), h.registry)
	o := New(promo, h.registry, zap.NewNop(), WithAdaptive(true))

	_ = o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	list, err := promo.Candidates(crawler.ModeStandard)
	require.NoError(t, err)
	require.Equal(t, "heavy", list[0].Name)
}

type recordingWaiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return w.err
}

func TestLimiterIsConsulted(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("a", http.StatusOK, 0)
	waiter := &recordingWaiter{}
	o := New(promotion.New(tables("a"), h.registry), h.registry, zap.NewNop(), WithLimiter(waiter))

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com/x"), crawler.DefaultOptions())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"https://example.com/x"}, waiter.urls)

	waiter.err = errors.New("throttled")
	resp = o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com/x"), crawler.DefaultOptions())
	require.Equal(t, crawler.StatusGenericError, resp.StatusCode)
}

func TestConstructorFailureFallsThrough(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.registry.Register("broken", func(*zap.Logger) (crawler.Backend, error) {
		return nil, errors.New("no browser")
	})
	h.add("ok", http.StatusOK, 0)
	o := New(promotion.New(tables("broken", "ok"), h.registry), h.registry, zap.NewNop())

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// A 5 second request against a backend that sleeps 10 seconds must come
// back as a timeout after about 5 seconds.
func TestSlowBackendTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("sleepy", http.StatusOK, 10*time.Second)
	o := New(promotion.New(tables("sleepy"), h.registry), h.registry, zap.NewNop())

	req := crawler.NewFetchRequest("https://example.com/slow")
	req.Timeout = 5

	start := time.Now()
	resp := o.Fetch(context.Background(), req, crawler.DefaultOptions())
	elapsed := time.Since(start)

	require.Equal(t, crawler.StatusTimeout, resp.StatusCode)
	require.GreaterOrEqual(t, elapsed, 5*time.Second)
	require.Less(t, elapsed, 7*time.Second)
	require.Equal(t, "https://example.com/slow", resp.RequestURL)
	require.Equal(t, []string{"sleepy"}, h.closed.list())
}

func TestFetchNamed(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("a", http.StatusOK, 0)
	h.add("b", http.StatusNotFound, 0)
	o := New(promotion.New(tables("a", "b"), h.registry), h.registry, zap.NewNop())

	resp, err := o.FetchNamed(context.Background(), "b", crawler.NewFetchRequest("https://example.com"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, []string{"b"}, h.closed.list())

	_, err = o.FetchNamed(context.Background(), "missing", crawler.NewFetchRequest("https://example.com"))
	require.ErrorIs(t, err, ErrUnknownCrawler)
}

type detectorFunc func(crawler.FetchResponse) bool

func (f detectorFunc) ShouldPromote(resp crawler.FetchResponse) bool { return f(resp) }

func TestShellResponsesEscalateToRenderer(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("requests", http.StatusOK, 0)
	h.add("headless", http.StatusOK, 0)
	everything := detectorFunc(func(crawler.FetchResponse) bool { return true })
	o := New(promotion.New(tables("requests", "headless"), h.registry), h.registry, zap.NewNop(),
		WithShellDetector(everything))

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, "from headless", resp.Text())
	require.Equal(t, []string{"requests", "headless"}, h.closed.list())
}

func TestShellResponseKeptWhenEscalationFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("requests", http.StatusOK, 0)
	h.add("headless", http.StatusBadGateway, 0)
	everything := detectorFunc(func(crawler.FetchResponse) bool { return true })
	o := New(promotion.New(tables("requests", "headless"), h.registry), h.registry, zap.NewNop(),
		WithShellDetector(everything))

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "from requests", resp.Text())
}

func TestShellDetectorSkipsLastCandidate(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("requests", http.StatusOK, 0)
	everything := detectorFunc(func(crawler.FetchResponse) bool { return true })
	o := New(promotion.New(tables("requests"), h.registry), h.registry, zap.NewNop(),
		WithShellDetector(everything))

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, "from requests", resp.Text())
}

type guardFunc func(string) error

func (f guardFunc) Check(_ context.Context, rawURL string) error { return f(rawURL) }

func TestGuardRefusesBeforeAnyBackend(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.add("first", http.StatusOK, 0)
	refuse := guardFunc(func(string) error { return errors.New("blocked") })
	o := New(promotion.New(tables("first"), h.registry), h.registry, zap.NewNop(), WithGuard(refuse))

	resp := o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	require.Equal(t, crawler.StatusGenericError, resp.StatusCode)
	require.Contains(t, resp.Errors, "blocked")
	require.Empty(t, h.closed.list())

	named, err := o.FetchNamed(context.Background(), "first", crawler.NewFetchRequest("https://example.com"))
	require.NoError(t, err)
	require.Equal(t, crawler.StatusGenericError, named.StatusCode)
	require.Empty(t, h.closed.list())
}

type panickyBackend struct {
	stubBackend
	panicOnRun bool
}

func (p *panickyBackend) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	if p.panicOnRun {
		panic("run exploded")
	}
	return p.stubBackend.Run(ctx, request)
}

func (p *panickyBackend) Close() error {
	panic("close of nil channel")
}

func TestFetchSurvivesPanickingBackend(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.registry.Register("closer", func(*zap.Logger) (crawler.Backend, error) {
		return &panickyBackend{stubBackend: stubBackend{name: "closer", status: http.StatusNotFound, closed: h.closed}}, nil
	})
	h.registry.Register("runner", func(*zap.Logger) (crawler.Backend, error) {
		return &panickyBackend{stubBackend: stubBackend{name: "runner", closed: h.closed}, panicOnRun: true}, nil
	})
	h.add("last", http.StatusOK, 0)
	o := New(promotion.New(tables("closer", "runner", "last"), h.registry), h.registry, zap.NewNop())

	var resp crawler.FetchResponse
	require.NotPanics(t, func() {
		resp = o.Fetch(context.Background(), crawler.NewFetchRequest("https://example.com"), crawler.DefaultOptions())
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "from last", resp.Text())
}

func TestAttemptReportsRunPanicAsGenericError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.registry.Register("runner", func(*zap.Logger) (crawler.Backend, error) {
		return &panickyBackend{stubBackend: stubBackend{name: "runner", closed: h.closed}, panicOnRun: true}, nil
	})
	o := New(promotion.New(tables("runner"), h.registry), h.registry, zap.NewNop())

	resp, valid := o.Attempt(context.Background(), crawler.CrawlerDescriptor{Name: "runner"}, crawler.NewFetchRequest("https://example.com"))
	require.False(t, valid)
	require.Equal(t, crawler.StatusGenericError, resp.StatusCode)
	require.NotEmpty(t, resp.Errors)
}
