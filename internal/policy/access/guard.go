// Package access decides whether a URL may be fetched at all: configured
// domain blocklists and, optionally, the site's robots.txt.
package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Errors returned by Check.
var (
	ErrBlocked    = errors.New("access: domain blocked")
	ErrDisallowed = errors.New("access: disallowed by robots.txt")
)

// Config controls the guard.
type Config struct {
	// BlockedDomains holds exact hosts, or suffixes written as "*.example.com"
	// or ".example.com".
	BlockedDomains []string `mapstructure:"blocked_domains"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
	UserAgent      string   `mapstructure:"user_agent"`
}

// Guard implements the checks. A Guard with nothing configured allows
// every URL.
type Guard struct {
	blocked   *blocklist
	robots    bool
	userAgent string
	client    *http.Client
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// New builds a Guard.
func New(cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "*"
	}
	return &Guard{
		blocked:   newBlocklist(cfg.BlockedDomains),
		robots:    cfg.RespectRobots,
		userAgent: ua,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		cache:     map[string]*robotstxt.RobotsData{},
	}
}

// Check returns nil when rawURL may be fetched.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	if g == nil {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("access: parse %q: %w", rawURL, err)
	}
	if g.blocked.match(parsed.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBlocked, parsed.Hostname())
	}
	if !g.robots {
		return nil
	}
	data, err := g.load(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing", zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return nil
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if !group.Test(target) {
		return fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
	}
	return nil
}

func (g *Guard) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	g.mu.Lock()
	data, ok := g.cache[key]
	g.mu.Unlock()
	if ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	g.mu.Lock()
	g.cache[key] = data
	g.mu.Unlock()
	return data, nil
}
