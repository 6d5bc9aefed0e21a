package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/clock/system"
	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/hash/sha256"
	"github.com/JakeFAU/crawl-broker/internal/metrics"
	"github.com/JakeFAU/crawl-broker/internal/orchestrator"
	"github.com/JakeFAU/crawl-broker/internal/remote"
)

// Fetcher runs fetches for the facade.
type Fetcher interface {
	Fetch(ctx context.Context, request crawler.FetchRequest, options crawler.FetchOptions) crawler.FetchResponse
	FetchNamed(ctx context.Context, name string, request crawler.FetchRequest) (crawler.FetchResponse, error)
}

// Config controls the facade.
type Config struct {
	Addr string `mapstructure:"addr"`
	// CacheTTL is how long a document pushed to /set answers /getj.
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	APIKey         string        `mapstructure:"api_key"`
	DefaultMode    crawler.Mode  `mapstructure:"default_mode"`
	MaxSetBytes    int64         `mapstructure:"max_set_bytes"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.DefaultMode == "" {
		c.DefaultMode = crawler.ModeStandard
	}
	if c.MaxSetBytes <= 0 {
		c.MaxSetBytes = 64 << 20
	}
	return c
}

// Server wires HTTP handlers to the fetcher and the pushed-document cache.
type Server struct {
	router  chi.Router
	fetcher Fetcher
	cache   *responseCache
	hasher  crawler.Hasher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithClock injects the time source for cache expiry.
func WithClock(c crawler.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithHasher replaces the body hasher.
func WithHasher(h crawler.Hasher) Option {
	return func(s *Server) { s.hasher = h }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(fetcher Fetcher, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()
	s := &Server{
		fetcher: fetcher,
		cache:   newResponseCache(cfg.CacheTTL),
		hasher:  sha256.New(),
		clock:   system.New(),
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.HandlerTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get(remote.PathGetJ, s.getJ)
		r.Get(remote.PathSocialJ, s.socialJ)
		r.Post(remote.PathSet, s.set)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getJ(w http.ResponseWriter, r *http.Request) {
	doc, status, err := s.document(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) socialJ(w http.ResponseWriter, r *http.Request) {
	doc, status, err := s.document(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	if doc.Text != nil && strings.Contains(strings.ToLower(doc.Properties.ContentType), "html") {
		if err := applySocial(&doc.Properties, doc.Text.Contents); err != nil {
			s.logger.Debug("social extraction failed", zap.String("url", doc.Properties.Link), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) set(w http.ResponseWriter, r *http.Request) {
	var doc remote.Document
	if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxSetBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	resp, err := doc.FetchResponse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if resp.RequestURL == "" && resp.URL == "" {
		writeError(w, http.StatusBadRequest, "document has no link")
		return
	}
	s.cache.put(resp, s.clock.Now())
	s.logger.Info("document stored", zap.String("url", resp.RequestURL), zap.Int("status", resp.StatusCode))
	w.WriteHeader(http.StatusNoContent)
}

// document fetches the page named by the query, or serves a pushed copy
// when no specific crawler was asked for.
func (s *Server) document(r *http.Request) (remote.Document, int, error) {
	q := r.URL.Query()
	pageURL := strings.TrimSpace(q.Get("url"))
	if err := checkURL(pageURL); err != nil {
		return remote.Document{}, http.StatusBadRequest, err
	}
	sel, err := remote.ParseCrawlerSelection(q.Get("crawler_data"))
	if err != nil {
		return remote.Document{}, http.StatusBadRequest, err
	}

	var resp crawler.FetchResponse
	cached := false
	if sel.Name == "" {
		resp, cached = s.cache.get(pageURL, s.clock.Now())
	}
	if !cached {
		resp, err = s.fetch(r.Context(), pageURL, sel)
		if errors.Is(err, orchestrator.ErrUnknownCrawler) {
			return remote.Document{}, http.StatusBadRequest, err
		}
		if err != nil {
			return remote.Document{}, http.StatusInternalServerError, err
		}
	}

	doc := remote.NewDocument(resp)
	if sum, ok := s.hasher.HashBody(resp); ok {
		doc.Properties.BodyHash = sum
	}
	return doc, http.StatusOK, nil
}

func (s *Server) fetch(ctx context.Context, pageURL string, sel remote.CrawlerSelection) (crawler.FetchResponse, error) {
	req := crawler.NewFetchRequest(pageURL)
	if sel.Timeout > 0 {
		req.Timeout = sel.Timeout
	}
	if sel.SSLVerify != nil {
		req.SSLVerify = *sel.SSLVerify
	}
	req.Ping = sel.Ping

	if sel.Name != "" {
		resp, err := s.fetcher.FetchNamed(ctx, sel.Name, req)
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch with %s: %w", sel.Name, err)
		}
		return resp, nil
	}
	opts := crawler.DefaultOptions()
	opts.Mode = s.cfg.DefaultMode
	if sel.Mode != "" {
		opts.Mode = sel.Mode
	}
	opts.SSLVerify = req.SSLVerify
	opts.Ping = req.Ping
	return s.fetcher.Fetch(ctx, req, opts), nil
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("url parameter required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: want an absolute http(s) url", raw)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
