// Package app wires the long-lived broker services from configuration: the
// backend registry, promotion tables, limiter and orchestrator.
package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/client"
	"github.com/JakeFAU/crawl-broker/internal/config"
	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/fetcher"
	collyfetcher "github.com/JakeFAU/crawl-broker/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-broker/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-broker/internal/fetcher/requests"
	"github.com/JakeFAU/crawl-broker/internal/fetcher/script"
	"github.com/JakeFAU/crawl-broker/internal/fetcher/stealth"
	"github.com/JakeFAU/crawl-broker/internal/headless/detector"
	"github.com/JakeFAU/crawl-broker/internal/orchestrator"
	"github.com/JakeFAU/crawl-broker/internal/policy/access"
	"github.com/JakeFAU/crawl-broker/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-broker/internal/promotion"
	"github.com/JakeFAU/crawl-broker/internal/remote"
)

// App holds the shared services built once at startup.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *fetcher.Registry
	promotion *promotion.Registry
	fetcher   *orchestrator.Orchestrator
}

// New builds the service graph. Nothing is started.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	browser, found := headless.FindBrowser(cfg.Crawler.Browser)
	if !found {
		logger.Info("no chrome executable found, browser backends disabled", zap.String("configured", cfg.Crawler.Browser))
	}
	registry := NewRegistry(browser)
	promo := promotion.New(cfg.Tables(), registry)
	opts := []orchestrator.Option{
		orchestrator.WithAdaptive(cfg.Crawler.Adaptive),
		orchestrator.WithLimiter(ratelimit.New(cfg.RateLimit)),
	}
	if len(cfg.Access.BlockedDomains) > 0 || cfg.Access.RespectRobots {
		guardCfg := cfg.Access
		if guardCfg.UserAgent == "" {
			guardCfg.UserAgent = cfg.Crawler.Settings.UserAgent
		}
		opts = append(opts, orchestrator.WithGuard(access.New(guardCfg, logger.Named("access"))))
	}
	if cfg.Crawler.DetectShells {
		opts = append(opts, orchestrator.WithShellDetector(detector.NewHeuristic(cfg.Crawler.ShellThreshold)))
	}
	orch := orchestrator.New(promo, registry, logger, opts...)
	return &App{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		promotion: promo,
		fetcher:   orch,
	}
}

// NewRegistry registers every backend compiled into the binary. The browser
// backends are registered only when browser names a Chrome executable.
func NewRegistry(browser string) *fetcher.Registry {
	r := fetcher.NewRegistry()
	r.Register(requests.Name, func(l *zap.Logger) (crawler.Backend, error) {
		return requests.New(l), nil
	})
	r.Register(collyfetcher.Name, func(l *zap.Logger) (crawler.Backend, error) {
		return collyfetcher.New(l), nil
	})
	r.Register(stealth.Name, func(l *zap.Logger) (crawler.Backend, error) {
		return stealth.New(l), nil
	})
	if browser != "" {
		for _, variant := range []headless.Variant{headless.Headless, headless.Full, headless.Intercept} {
			variant := variant
			r.Register(string(variant), func(l *zap.Logger) (crawler.Backend, error) {
				f, err := headless.New(variant, browser, l)
				if err != nil {
					return nil, err //nolint:wrapcheck // registry wraps with the backend name
				}
				return f, nil
			})
		}
	}
	r.Register(script.Name, func(l *zap.Logger) (crawler.Backend, error) {
		return script.New(l), nil
	})
	r.Register(client.BackendName, func(l *zap.Logger) (crawler.Backend, error) {
		return client.NewBackend(l), nil
	})
	r.Register(remote.BackendName, func(l *zap.Logger) (crawler.Backend, error) {
		return remote.NewBackend(l), nil
	})
	return r
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the backend registry.
func (a *App) Registry() *fetcher.Registry { return a.registry }

// Promotion returns the promotion tables.
func (a *App) Promotion() *promotion.Registry { return a.promotion }

// Fetcher returns the orchestrator.
func (a *App) Fetcher() *orchestrator.Orchestrator { return a.fetcher }

// NewRequest builds a request for rawURL with the configured timeout.
func (a *App) NewRequest(rawURL string) crawler.FetchRequest {
	req := crawler.NewFetchRequest(rawURL)
	req.Timeout = a.cfg.Crawler.TimeoutSeconds
	return req
}

// ServerClient returns a scraping client for addr, or the configured
// server address when addr is empty.
func (a *App) ServerClient(addr string) *client.Client {
	if addr == "" {
		addr = a.cfg.Client.ServerAddress
	}
	return client.New(addr, a.cfg.Client.MaxTransactionTimeout, a.logger)
}

// PushTimeout bounds how long a crawler may take to hand its response to
// the server.
func (a *App) PushTimeout() time.Duration {
	if a.cfg.Client.MaxTransactionTimeout > 0 {
		return a.cfg.Client.MaxTransactionTimeout
	}
	return 30 * time.Second
}

// Close flushes the logger.
func (a *App) Close() {
	_ = a.logger.Sync()
}
