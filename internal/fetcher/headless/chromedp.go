// Package headless contains backends that drive Chrome through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/watchdog"
)

// Variant selects how Chrome is launched and how the body is read.
type Variant string

// Registry names of the browser backends.
const (
	// Headless renders with headless Chrome and returns the DOM.
	Headless Variant = "headless"
	// Full renders with a visible Chrome window.
	Full Variant = "full"
	// Intercept returns the raw document bytes from the network domain
	// instead of the rendered DOM.
	Intercept Variant = "intercept"
)

const settleDelay = 500 * time.Millisecond

// Fetcher implements crawler.Backend with chromedp. Each instance owns a
// temporary profile directory that Close removes.
type Fetcher struct {
	crawler.Base
	variant    Variant
	execPath   string
	logger     *zap.Logger
	profileDir string

	mu          sync.Mutex
	allocCancel context.CancelFunc
}

// New builds a browser backend for the variant. execPath is the browser
// used when the descriptor's settings name none; empty leaves the choice to
// chromedp.
func New(variant Variant, execPath string, logger *zap.Logger) (*Fetcher, error) {
	switch variant {
	case Headless, Full, Intercept:
	default:
		return nil, fmt.Errorf("unknown browser variant %q", variant)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{variant: variant, execPath: execPath, logger: logger}, nil
}

// Name implements crawler.Backend.
func (f *Fetcher) Name() string { return string(f.variant) }

// Run launches Chrome, navigates and snapshots the document.
func (f *Fetcher) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	timeout := f.Timeout(request)

	allocCtx, err := f.allocator()
	if err != nil {
		resp := crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, err)
		return crawler.Finish(resp, request, f.Name(), start)
	}

	resp, err := watchdog.Run(ctx, timeout, func() crawler.FetchResponse {
		taskCtx, taskCancel := chromedp.NewContext(allocCtx)
		defer taskCancel()
		taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
		defer cancel()
		return f.render(taskCtx, request)
	})
	if err != nil {
		code := crawler.StatusGenericError
		if errors.Is(err, watchdog.ErrTimeout) {
			code = crawler.StatusTimeout
		}
		resp = crawler.NewErrorResponse(request.URL, code, fmt.Errorf("url %s: %w", request.URL, err))
	}
	return crawler.Finish(resp, request, f.Name(), start)
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	meta := newResponseMeta()
	chromedp.ListenTarget(ctx, meta.captureEvent)

	var (
		html     string
		finalURL string
		raw      []byte
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
	}
	if f.variant == Intercept {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			id := meta.documentRequest()
			if id == "" {
				return errors.New("document response was not observed")
			}
			body, err := network.GetResponseBody(id).Do(ctx)
			if err != nil {
				return fmt.Errorf("get response body: %w", err)
			}
			raw = body
			return nil
		}))
	} else {
		actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return crawler.NewErrorResponse(request.URL, classifyError(err), fmt.Errorf("chromedp run: %w", err))
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	resp := crawler.NewResponse(request.URL, status)
	resp.URL = responseURL
	resp.Headers = headers
	resp.SetCrawlerData("http_status", strconv.Itoa(status))
	if request.Ping {
		return resp
	}

	settings := f.Settings()
	if n, ok := crawler.HeaderContentLength(headers); ok && crawler.TooBig(n, settings.MaxBytes) {
		resp.StatusCode = crawler.StatusTooBig
		resp.AddError(crawler.ErrTextPageTooBig)
		return resp
	}
	if f.variant == Intercept {
		resp.SetBinary(raw)
		return resp
	}
	// The DOM is always UTF-8 once Chrome has decoded it.
	resp.SetEncoding(crawler.DefaultEncoding)
	resp.SetText(html)
	return resp
}

func (f *Fetcher) networkSetupAction(request crawler.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if !request.SSLVerify {
			if err := security.SetIgnoreCertificateErrors(true).Do(ctx); err != nil {
				return fmt.Errorf("ignore certificate errors: %w", err)
			}
		}
		if ua := f.UserAgent(request); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// allocator creates the profile directory and exec allocator on first use.
func (f *Fetcher) allocator() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileDir == "" {
		dir := filepath.Join(os.TempDir(), "crawl-broker-chrome-"+uuid.NewString())
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		f.profileDir = dir
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	f.allocCancel = cancel
	return allocCtx, nil
}

func (f *Fetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserDataDir(f.profileDir),
	)
	if f.visible() {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if exe := f.browserPath(); exe != "" {
		opts = append(opts, chromedp.ExecPath(exe))
	}
	return opts
}

// visible reports whether Chrome opens a window. Settings.Headless keeps the
// full variant windowless on hosts without a display.
func (f *Fetcher) visible() bool {
	return f.variant == Full && !f.Settings().Headless
}

func (f *Fetcher) browserPath() string {
	if exe := f.Settings().Executable; exe != "" {
		return exe
	}
	return f.execPath
}

// ProfileDir returns the temporary profile directory, empty before the
// first Run.
func (f *Fetcher) ProfileDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profileDir
}

// Close stops Chrome and removes the profile directory.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocCancel != nil {
		f.allocCancel()
		f.allocCancel = nil
	}
	if f.profileDir == "" {
		return nil
	}
	dir := f.profileDir
	f.profileDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove profile dir: %w", err)
	}
	return nil
}

func classifyError(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.StatusTimeout
	case errors.Is(err, context.Canceled):
		return crawler.StatusGenericError
	default:
		return crawler.StatusConnectionError
	}
}

type responseMeta struct {
	mu        sync.RWMutex
	status    int
	headers   http.Header
	url       string
	requestID network.RequestID
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	// Redirect hops arrive first; the last document response wins.
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.requestID = event.RequestID
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) documentRequest() network.RequestID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestID
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
