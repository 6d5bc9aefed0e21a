package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// BackendName is the registry key of the facade backend.
const BackendName = "remote"

// ErrNoServer is returned by Configure without a facade address.
var ErrNoServer = errors.New("remote backend: remote_server not configured")

const transactionGrace = 10 * time.Second

// Backend fetches through a remote facade. Settings.RemoteServer is the
// base URL and Settings.Script the crawler name the facade should use.
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

// Configure requires a facade address.
func (b *Backend) Configure(settings crawler.Settings) error {
	if settings.RemoteServer == "" {
		return ErrNoServer
	}
	b.client = NewClient(settings.RemoteServer, &http.Client{})
	return b.Base.Configure(settings)
}

// Run calls /getj with a deadline of the request timeout plus a grace.
func (b *Backend) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, request.TimeoutDuration()+transactionGrace)
	defer cancel()

	verify := request.SSLVerify
	sel := CrawlerSelection{
		Name:      b.Settings().Script,
		Timeout:   request.Timeout,
		SSLVerify: &verify,
		Ping:      request.Ping,
	}
	resp, err := b.client.GetJ(ctx, request.URL, sel)
	if err != nil {
		b.logger.Warn("remote fetch failed", zap.String("url", request.URL), zap.Error(err))
		resp = crawler.NewErrorResponse(request.URL, statusFor(err), err)
	}
	return crawler.Finish(resp, request, BackendName, start)
}

// Close implements crawler.Backend.
func (b *Backend) Close() error {
	if b.client != nil {
		b.client.http.CloseIdleConnections()
	}
	return nil
}

func statusFor(err error) int {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.StatusTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return crawler.StatusTimeout
	case errors.As(err, &netErr):
		return crawler.StatusConnectionError
	case errors.Is(err, ErrStatus):
		return crawler.StatusServerError
	default:
		return crawler.StatusGenericError
	}
}
