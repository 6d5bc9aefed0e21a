// Package orchestrator implements the single fetch call collaborators use:
// it walks the promotion chain for the requested mode until a backend
// returns a valid response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/metrics"
	"github.com/JakeFAU/crawl-broker/internal/promotion"
	"github.com/JakeFAU/crawl-broker/internal/watchdog"
)

// Factory constructs configured backends.
type Factory interface {
	New(desc crawler.CrawlerDescriptor, logger *zap.Logger) (crawler.Backend, error)
}

// Waiter throttles fetches per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Guard vetoes URLs before any backend runs.
type Guard interface {
	Check(ctx context.Context, rawURL string) error
}

// ShellDetector flags responses that need a JavaScript-capable backend.
type ShellDetector interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// RenderingBackends execute page scripts; their responses are never sent
// through the shell detector.
var RenderingBackends = map[string]bool{"headless": true, "full": true, "intercept": true}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAdaptive moves a descriptor that succeeded after a failure of the
// head to the front of its list.
func WithAdaptive(enabled bool) Option {
	return func(o *Orchestrator) { o.adaptive = enabled }
}

// WithLimiter throttles every backend attempt per host.
func WithLimiter(w Waiter) Option {
	return func(o *Orchestrator) { o.limiter = w }
}

// WithShellDetector escalates valid responses that look like client-side
// rendered shells to the next candidate. The shell response is returned if
// nothing later succeeds.
func WithShellDetector(d ShellDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithGuard rejects URLs the guard vetoes with a generic error response.
func WithGuard(g Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// Orchestrator implements crawler.Fetcher.
type Orchestrator struct {
	promo    *promotion.Registry
	factory  Factory
	logger   *zap.Logger
	adaptive bool
	limiter  Waiter
	detector ShellDetector
	guard    Guard
}

var _ crawler.Fetcher = (*Orchestrator)(nil)

// New wires an Orchestrator.
func New(promo *promotion.Registry, factory Factory, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{promo: promo, factory: factory, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fetch tries the mode's candidates in order and returns the first valid
// response, or the last attempted one. With UseFallback unset only the head
// candidate runs.
func (o *Orchestrator) Fetch(ctx context.Context, request crawler.FetchRequest, options crawler.FetchOptions) crawler.FetchResponse {
	request = options.Apply(request)
	if resp, ok := o.admit(ctx, request); !ok {
		return resp
	}
	candidates, err := o.promo.Candidates(options.Mode)
	if err != nil {
		return crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, err)
	}
	if len(candidates) == 0 {
		return crawler.NewErrorResponse(request.URL, crawler.StatusGenericError,
			fmt.Errorf("no crawler available for mode %q", options.Mode))
	}
	if !options.UseFallback {
		candidates = candidates[:1]
	}

	var (
		last  crawler.FetchResponse
		shell *crawler.FetchResponse
	)
	for i, desc := range candidates {
		resp, valid := o.Attempt(ctx, desc, request)
		last = resp
		if valid && i < len(candidates)-1 && o.isShell(desc, resp) {
			o.logger.Info("escalating script-rendered page",
				zap.String("url", request.URL),
				zap.String("crawler", desc.Name),
			)
			if shell == nil {
				shell = &resp
			}
			continue
		}
		if valid {
			if i > 0 && o.adaptive {
				o.promo.BringToFront(modeOrDefault(options.Mode), desc.Name)
			}
			return resp
		}
		if ctx.Err() != nil {
			break
		}
		o.logger.Info("crawler did not produce a valid response",
			zap.String("url", request.URL),
			zap.String("crawler", desc.Name),
			zap.Int("status", resp.StatusCode),
			zap.Strings("errors", resp.Errors),
		)
	}
	if shell != nil {
		return *shell
	}
	return last
}

func (o *Orchestrator) admit(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, bool) {
	if o.guard == nil {
		return crawler.FetchResponse{}, true
	}
	if err := o.guard.Check(ctx, request.URL); err != nil {
		o.logger.Info("fetch refused", zap.String("url", request.URL), zap.Error(err))
		return crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, err), false
	}
	return crawler.FetchResponse{}, true
}

func (o *Orchestrator) isShell(desc crawler.CrawlerDescriptor, resp crawler.FetchResponse) bool {
	if o.detector == nil || RenderingBackends[desc.BackendName()] {
		return false
	}
	return o.detector.ShouldPromote(resp)
}

// ErrUnknownCrawler is returned by FetchNamed for names absent from every
// promotion list.
var ErrUnknownCrawler = errors.New("crawler not configured")

// FetchNamed runs exactly the named descriptor, with no fallback.
func (o *Orchestrator) FetchNamed(ctx context.Context, name string, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	desc, ok := o.promo.Find(name)
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("%w: %q", ErrUnknownCrawler, name)
	}
	if resp, ok := o.admit(ctx, request); !ok {
		return resp, nil
	}
	resp, _ := o.Attempt(ctx, desc, request)
	return resp, nil
}

// Attempt runs one descriptor under the request timeout and closes the
// backend on every path.
func (o *Orchestrator) Attempt(ctx context.Context, desc crawler.CrawlerDescriptor, request crawler.FetchRequest) (crawler.FetchResponse, bool) {
	start := time.Now()
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, err), false
		}
	}

	backend, err := o.factory.New(desc, o.logger)
	if err != nil {
		o.logger.Warn("cannot build crawler", zap.String("crawler", desc.Name), zap.Error(err))
		return crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, err), false
	}
	defer o.closeBackend(desc.Name, backend)

	timeout := request.TimeoutDuration()
	resp, err := watchdog.Run(ctx, timeout, func() crawler.FetchResponse {
		return backend.Run(ctx, request.Clone())
	})
	if err != nil {
		code := crawler.StatusGenericError
		if errors.Is(err, watchdog.ErrTimeout) {
			code = crawler.StatusTimeout
		}
		resp = crawler.Finish(crawler.NewErrorResponse(request.URL, code, err), request, desc.Name, start)
	}
	valid := backend.IsResponseValid(&resp)
	metrics.ObserveFetch(desc.Name, resp.Class().String(), request.URL, resp.BodyLength(), time.Since(start))
	return resp, valid
}

// closeBackend never lets a misbehaving Close escape to the caller.
func (o *Orchestrator) closeBackend(name string, backend crawler.Backend) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("crawler close panicked", zap.String("crawler", name), zap.Any("panic", r))
		}
	}()
	if err := backend.Close(); err != nil {
		o.logger.Warn("crawler close failed", zap.String("crawler", name), zap.Error(err))
	}
}

func modeOrDefault(m crawler.Mode) crawler.Mode {
	if m == "" {
		return crawler.ModeStandard
	}
	return m
}
