// Package client talks to a scraping server over the command protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
)

// DefaultTransactionGrace is added to the request timeout to form the
// client-side deadline when none is configured.
const DefaultTransactionGrace = 10 * time.Second

var (
	// ErrTransactionTimeout is returned when no committed response arrived
	// before the client deadline.
	ErrTransactionTimeout = errors.New("client: transaction timed out")
	// ErrClosedBeforeResponse is returned when the server closed the
	// connection without a response, e.g. after reaping the request.
	ErrClosedBeforeResponse = errors.New("client: connection closed before response")
)

// Client sends requests to one scraping server.
type Client struct {
	addr           string
	maxTransaction time.Duration
	dialer         net.Dialer
	logger         *zap.Logger
}

// New builds a client for addr (host:port). maxTransaction bounds one
// exchange independently of the request's own timeout; zero derives it from
// the request.
func New(addr string, maxTransaction time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		addr:           addr,
		maxTransaction: maxTransaction,
		dialer:         net.Dialer{Timeout: 10 * time.Second},
		logger:         logger,
	}
}

// MaxTransaction returns the deadline applied to request.
func (c *Client) MaxTransaction(request crawler.FetchRequest) time.Duration {
	if c.maxTransaction > 0 {
		return c.maxTransaction
	}
	return request.TimeoutDuration() + DefaultTransactionGrace
}

// Fetch sends request and waits for the committed response. crawlerName
// selects the crawler the server launches; empty means its default.
func (c *Client) Fetch(ctx context.Context, request crawler.FetchRequest, crawlerName string) (crawler.FetchResponse, error) {
	deadline := time.Now().Add(c.MaxTransaction(request))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn, err := c.dial(ctx, deadline)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write(protocol.EncodeRequest(request, crawlerName)); err != nil {
		return crawler.FetchResponse{}, c.wrap(err, "send request")
	}

	resp, err := readResponse(ctx, conn)
	if err != nil {
		return crawler.FetchResponse{}, c.wrap(err, "await response")
	}
	if _, err := conn.Write(protocol.CloseCommand()); err != nil {
		c.logger.Debug("courtesy close failed", zap.String("server", c.addr), zap.Error(err))
	}
	return resp, nil
}

// Push delivers a finished response to the server, the way a crawler
// subprocess reports back. It waits for the server to close the connection.
func (c *Client) Push(ctx context.Context, resp crawler.FetchResponse, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTransactionGrace
	}
	conn, err := c.dial(ctx, time.Now().Add(timeout))
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	if _, err := conn.Write(protocol.EncodeResponse(resp)); err != nil {
		return c.wrap(err, "push response")
	}
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return c.wrap(err, "await server close")
	}
	return nil
}

func (c *Client) dial(ctx context.Context, deadline time.Time) (net.Conn, error) {
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	return conn, nil
}

func (c *Client) wrap(err error, op string) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, c.addr, ErrTransactionTimeout)
	}
	return fmt.Errorf("%s %s: %w", op, c.addr, err)
}

func readResponse(ctx context.Context, conn net.Conn) (crawler.FetchResponse, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	reader := protocol.NewReader(conn)
	var session protocol.Session
	for {
		cmd, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return crawler.FetchResponse{}, ErrClosedBeforeResponse
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return crawler.FetchResponse{}, ctxErr
			}
			return crawler.FetchResponse{}, err
		}
		ev, err := session.Apply(cmd)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		if ev.Kind == protocol.EventResponse {
			return ev.Response, nil
		}
	}
}
