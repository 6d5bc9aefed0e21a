// Package requests implements the plain HTTP client backend.
package requests

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/watchdog"
)

// Name is the registry key of this backend.
const Name = "requests"

// Fetcher implements crawler.Backend with net/http.
type Fetcher struct {
	crawler.Base
	transport *http.Transport
	logger    *zap.Logger
}

// New builds a Fetcher.
func New(logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		transport: newHTTPTransport(),
		logger:    logger,
	}
}

// Name implements crawler.Backend.
func (f *Fetcher) Name() string { return Name }

// Run performs the request on a watchdog goroutine. The client timeout only
// bounds single stalled reads, so the watchdog enforces the total budget and
// abandons the call when it expires.
func (f *Fetcher) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	timeout := f.Timeout(request)

	// The abandoned goroutine eventually stops on its own context.
	callCtx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	resp, err := watchdog.Run(ctx, timeout, func() crawler.FetchResponse {
		defer cancel()
		return f.do(callCtx, request, timeout)
	})
	if err != nil {
		code := crawler.StatusGenericError
		if errors.Is(err, watchdog.ErrTimeout) {
			code = crawler.StatusTimeout
		}
		f.logger.Warn("request abandoned", zap.String("url", request.URL), zap.Duration("timeout", timeout), zap.Error(err))
		resp = crawler.NewErrorResponse(request.URL, code, fmt.Errorf("url %s: %w", request.URL, err))
	}
	return crawler.Finish(resp, request, Name, start)
}

func (f *Fetcher) do(ctx context.Context, request crawler.FetchRequest, timeout time.Duration) crawler.FetchResponse {
	method := http.MethodGet
	if request.Ping {
		method = http.MethodHead
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, request.URL, nil)
	if err != nil {
		return crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, fmt.Errorf("create request: %w", err))
	}
	for key, values := range request.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if ua := f.UserAgent(request); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	client := &http.Client{
		Transport: f.transportFor(request),
		Timeout:   timeout,
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return crawler.NewErrorResponse(request.URL, classifyError(err), fmt.Errorf("http do: %w", err))
	}
	defer func() {
		if cerr := httpResp.Body.Close(); cerr != nil {
			f.logger.Debug("close body failed", zap.Error(cerr))
		}
	}()

	resp := crawler.NewResponse(request.URL, httpResp.StatusCode)
	resp.URL = httpResp.Request.URL.String()
	resp.Headers = httpResp.Header.Clone()
	resp.SetCrawlerData("http_status", strconv.Itoa(httpResp.StatusCode))
	if request.Ping {
		return resp
	}

	settings := f.Settings()
	if n, ok := crawler.HeaderContentLength(resp.Headers); ok && crawler.TooBig(n, settings.MaxBytes) {
		resp.StatusCode = crawler.StatusTooBig
		resp.AddError(crawler.ErrTextPageTooBig)
		return resp
	}
	if !crawler.TypeAccepted(resp.ContentType(), settings.AcceptedTypes) {
		resp.StatusCode = crawler.StatusUnsupportedType
		resp.AddErrorf("%s: %q", crawler.ErrTextUnsupportedType, resp.ContentType())
		return resp
	}

	var body io.Reader = httpResp.Body
	if settings.MaxBytes > 0 {
		body = io.LimitReader(httpResp.Body, settings.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		resp.StatusCode = classifyError(err)
		resp.AddErrorf("read body: %v", err)
		return resp
	}
	if crawler.TooBig(int64(len(data)), settings.MaxBytes) {
		resp.StatusCode = crawler.StatusTooBig
		resp.AddError(crawler.ErrTextPageTooBig)
		return resp
	}
	resp.SetBinary(data)
	return resp
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func (f *Fetcher) transportFor(request crawler.FetchRequest) http.RoundTripper {
	if request.SSLVerify {
		return f.transport
	}
	t := f.transport.Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // caller disabled verification
	return t
}

func classifyError(err error) int {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.StatusTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return crawler.StatusTimeout
	case errors.As(err, &netErr):
		return crawler.StatusConnectionError
	default:
		return crawler.StatusGenericError
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
