// Package server implements the scraping server: a TCP service that
// coalesces concurrent requests for the same URL into one crawl and fans the
// crawler's response out to every waiting connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-broker/internal/clock/system"
	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/id/uuid"
	"github.com/JakeFAU/crawl-broker/internal/metrics"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
)

// DefaultPort is the scraping server's TCP port.
const DefaultPort = 5007

const workDirPrefix = "crawl-"

// Config controls the server.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Grace is added to a request's timeout before it is reaped.
	Grace time.Duration `mapstructure:"grace"`
	// PollInterval bounds each accept so maintenance can run.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ExitSettle is how long a finished crawler's response may still take
	// to arrive before waiters get a 614.
	ExitSettle time.Duration `mapstructure:"exit_settle"`
	// LingerAfterResponse bounds how long a served connection may stay
	// open waiting for the client's close command.
	LingerAfterResponse time.Duration `mapstructure:"linger_after_response"`
	// WorkRoot holds per-crawl scratch directories.
	WorkRoot string `mapstructure:"work_root"`
	// WorkMaxAge is the age after which unused scratch directories are
	// purged.
	WorkMaxAge     time.Duration `mapstructure:"work_max_age"`
	DefaultCrawler string        `mapstructure:"default_crawler"`
	// MaxConcurrentCrawls caps running crawler processes; 0 means no cap.
	// Queued crawls still count against their waiters' timeouts.
	MaxConcurrentCrawls int `mapstructure:"max_concurrent_crawls"`
	// MaxFrameBytes bounds one incoming command; longer frames drop the
	// connection.
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ExitSettle <= 0 {
		c.ExitSettle = time.Second
	}
	if c.LingerAfterResponse <= 0 {
		c.LingerAfterResponse = 5 * time.Second
	}
	if c.WorkRoot == "" {
		c.WorkRoot = filepath.Join(os.TempDir(), "crawl-broker")
	}
	if c.WorkMaxAge <= 0 {
		c.WorkMaxAge = time.Hour
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrame
	}
	return c
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server coordinates crawls for connected clients.
type Server struct {
	cfg      Config
	launcher Launcher
	clock    crawler.Clock
	ids      crawler.IDGenerator
	logger   *zap.Logger
	errLog   *zap.Logger

	pending *pendingTable
	slots   *semaphore.Weighted

	mu         sync.Mutex
	serverAddr string
	lastSweep  time.Time
	open       map[net.Conn]struct{}
	conns      sync.WaitGroup
	launches   sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithClock injects the time source used for reaping.
func WithClock(c crawler.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithIDGenerator sets the source of work directory names. Only names
// starting with "crawl-" are purged.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(s *Server) { s.ids = ids }
}

// WithErrorLog sets the append-only log that receives connection failures.
func WithErrorLog(l *zap.Logger) Option {
	return func(s *Server) { s.errLog = l }
}

// New builds a Server.
func New(cfg Config, launcher Launcher, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg.WithDefaults(),
		launcher: launcher,
		clock:    system.New(),
		ids:      uuid.New(workDirPrefix),
		logger:   logger,
		errLog:   zap.NewNop(),
		pending:  newPendingTable(),
		open:     map[net.Conn]struct{}{},
	}
	if s.cfg.MaxConcurrentCrawls > 0 {
		s.slots = semaphore.NewWeighted(int64(s.cfg.MaxConcurrentCrawls))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Serve accepts connections on ln until ctx is done. Each accept is bounded
// by the poll interval so the maintenance pass interleaves with accepts.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.setServerAddr(ln.Addr())
	s.logger.Info("scraping server listening", zap.String("addr", ln.Addr().String()))
	defer func() {
		_ = ln.Close()
		s.shutdown()
	}()

	dl, canDeadline := ln.(deadliner)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if canDeadline {
			_ = dl.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		}
		conn, err := ln.Accept()
		s.maybeMaintain()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle services one connection. Failures, panics included, are written to
// the error log and end only this connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if rec := recover(); rec != nil {
			s.connectionFailed(remote, fmt.Errorf("panic: %v", rec))
		}
		s.pending.detach(conn)
		s.untrack(conn)
		_ = conn.Close()
	}()

	reader := protocol.NewLimitedReader(conn, s.cfg.MaxFrameBytes)
	var session protocol.Session
	for {
		cmd, err := reader.Next()
		if err != nil {
			if !isQuietClose(err) {
				s.connectionFailed(remote, err)
			}
			return
		}
		ev, err := session.Apply(cmd)
		if err != nil {
			s.connectionFailed(remote, err)
			return
		}
		switch ev.Kind {
		case protocol.EventRequest:
			s.enqueue(ctx, ev.Request, ev.CrawlerName, conn)
		case protocol.EventResponse:
			s.deliver(ev.Response)
			return
		case protocol.EventClose:
			return
		}
	}
}

// enqueue registers conn as a waiter and launches a crawl unless one is
// already outstanding for the URL.
func (s *Server) enqueue(ctx context.Context, request crawler.FetchRequest, crawlerName string, conn net.Conn) {
	if crawlerName == "" {
		crawlerName = s.cfg.DefaultCrawler
	}
	w := &waiter{request: request, conn: conn, enqueued: s.clock.Now()}
	var workDir string
	if id, err := s.ids.NewID(); err == nil {
		workDir = filepath.Join(s.cfg.WorkRoot, id)
	}
	c, started := s.pending.attach(w, crawlerName, workDir)
	metrics.SetPending(s.pending.size())
	if !started {
		metrics.ObserveCoalesced()
		s.logger.Debug("request coalesced", zap.String("url", request.URL))
		return
	}
	s.logger.Info("launching crawler", zap.String("url", request.URL), zap.String("crawler", crawlerName))
	s.launches.Add(1)
	go func() {
		defer s.launches.Done()
		s.launch(ctx, c)
	}()
}

func (s *Server) launch(ctx context.Context, c *crawl) {
	defer func() {
		if rec := recover(); rec != nil {
			s.connectionFailed("launcher", fmt.Errorf("panic: %v", rec))
		}
	}()
	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.slots.Release(1)
		// Reaped or answered while queued.
		if !s.pending.current(c) {
			metrics.ObserveLaunch("skipped")
			return
		}
	}
	workDir := c.workDir
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o750); err != nil {
			s.logger.Warn("cannot create work dir", zap.String("dir", workDir), zap.Error(err))
			workDir = ""
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.request.TimeoutDuration()+s.cfg.Grace)
	defer cancel()
	err := s.launcher.Launch(runCtx, Job{
		Request:     c.request,
		CrawlerName: c.crawlerName,
		ServerAddr:  s.ServerAddr(),
		WorkDir:     workDir,
	})
	if err != nil {
		metrics.ObserveLaunch("failed")
		s.logger.Warn("crawler failed", zap.String("url", c.request.URL), zap.Error(err))
	} else {
		metrics.ObserveLaunch("ok")
	}
	if workDir != "" {
		_ = os.RemoveAll(workDir)
	}

	// The crawler normally reports before it exits; allow a short settle
	// for a response still in flight.
	select {
	case <-s.clock.After(s.cfg.ExitSettle):
	case <-ctx.Done():
		return
	}
	if !s.pending.takeIfCurrent(c) {
		return
	}
	resp := crawler.NewResponse(c.request.URL, crawler.StatusServerError)
	resp.AddError("crawler finished without a response")
	if err != nil {
		resp.AddError(err.Error())
	}
	resp.SetCrawlerData("crawler", c.crawlerName)
	s.fanOut(c, resp)
}

// deliver fans a crawler's response out to the crawl's waiters.
func (s *Server) deliver(resp crawler.FetchResponse) {
	c, ok := s.pending.take(resp.RequestURL)
	if !ok {
		s.logger.Info("response without pending request", zap.String("request_url", resp.RequestURL))
		return
	}
	s.fanOut(c, resp)
}

// fanOut encodes resp once and writes the same bytes to every waiter.
func (s *Server) fanOut(c *crawl, resp crawler.FetchResponse) {
	payload := protocol.EncodeResponse(resp)
	for _, w := range c.waiters {
		_ = w.conn.SetWriteDeadline(time.Now().Add(s.cfg.LingerAfterResponse))
		if _, err := w.conn.Write(payload); err != nil {
			s.connectionFailed(w.conn.RemoteAddr().String(), fmt.Errorf("write response: %w", err))
			_ = w.conn.Close()
			continue
		}
		// Give the client a bounded window to send its close command.
		_ = w.conn.SetReadDeadline(time.Now().Add(s.cfg.LingerAfterResponse))
	}
	metrics.SetPending(s.pending.size())
	s.logger.Info("response delivered",
		zap.String("url", c.request.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("waiters", len(c.waiters)),
	)
}

func (s *Server) maybeMaintain() {
	now := s.clock.Now()
	s.mu.Lock()
	due := now.Sub(s.lastSweep) >= s.cfg.PollInterval
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if due {
		s.maintain(now)
	}
}

// maintain reaps stale waiters, closing their sockets, and purges scratch
// directories no outstanding crawl uses.
func (s *Server) maintain(now time.Time) {
	stale := s.pending.reap(now, s.cfg.Grace)
	for _, w := range stale {
		s.logger.Info("reaping stale request", zap.String("url", w.request.URL), zap.Time("enqueued", w.enqueued))
		_ = w.conn.Close()
	}
	if len(stale) > 0 {
		metrics.ObserveReaped(len(stale))
		metrics.SetPending(s.pending.size())
	}
	s.purgeWorkDirs(now)
}

func (s *Server) purgeWorkDirs(now time.Time) {
	entries, err := os.ReadDir(s.cfg.WorkRoot)
	if err != nil {
		return
	}
	active := s.pending.activeWorkDirs()
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workDirPrefix) {
			continue
		}
		path := filepath.Join(s.cfg.WorkRoot, entry.Name())
		if active[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < s.cfg.WorkMaxAge {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("purge work dir failed", zap.String("dir", path), zap.Error(err))
		}
	}
}

func (s *Server) shutdown() {
	for _, w := range s.pending.drain() {
		_ = w.conn.Close()
	}
	s.mu.Lock()
	for conn := range s.open {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.conns.Wait()
	s.launches.Wait()
	metrics.SetPending(0)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.open[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.open, conn)
	s.mu.Unlock()
}

func (s *Server) connectionFailed(remote string, err error) {
	metrics.ObserveConnectionError()
	s.logger.Warn("connection failed", zap.String("remote", remote), zap.Error(err))
	s.errLog.Error("connection failed", zap.String("remote", remote), zap.Error(err))
}

func (s *Server) setServerAddr(addr net.Addr) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	s.mu.Lock()
	s.serverAddr = net.JoinHostPort(host, port)
	s.mu.Unlock()
}

// ServerAddr is the address crawlers use to report back.
func (s *Server) ServerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverAddr
}

func isQuietClose(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		(errors.As(err, &netErr) && netErr.Timeout())
}
