package client

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// BackendName is the registry key of the scraping-server backend.
const BackendName = "server"

// ErrNoServer is returned by Configure without a server address.
var ErrNoServer = errors.New("server backend: remote_server not configured")

// Backend delegates fetches to a scraping server. Settings.RemoteServer is
// the server address and Settings.Script the crawler name it should run.
type Backend struct {
	crawler.Base
	logger *zap.Logger
	client *Client
}

// NewBackend builds an unconfigured Backend.
func NewBackend(logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{logger: logger}
}

// Name implements crawler.Backend.
func (b *Backend) Name() string { return BackendName }

// Configure requires a server address.
func (b *Backend) Configure(settings crawler.Settings) error {
	if settings.RemoteServer == "" {
		return ErrNoServer
	}
	b.client = New(settings.RemoteServer, 0, b.logger)
	return b.Base.Configure(settings)
}

// Run sends the request and converts transport failures into synthetic
// codes.
func (b *Backend) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	resp, err := b.client.Fetch(ctx, request, b.Settings().Script)
	if err != nil {
		resp = crawler.NewErrorResponse(request.URL, statusFor(err), err)
	}
	if backend := resp.CrawlerData["crawler"]; backend != "" && err == nil {
		resp.SetCrawlerData("server_crawler", backend)
	}
	return crawler.Finish(resp, request, BackendName, start)
}

// Close implements crawler.Backend.
func (b *Backend) Close() error { return nil }

func statusFor(err error) int {
	var opErr *net.OpError
	switch {
	case errors.Is(err, ErrTransactionTimeout), errors.Is(err, context.DeadlineExceeded):
		return crawler.StatusTimeout
	case errors.Is(err, ErrClosedBeforeResponse):
		return crawler.StatusServerError
	case errors.As(err, &opErr):
		return crawler.StatusConnectionError
	default:
		return crawler.StatusGenericError
	}
}
