// Package collyfetcher implements the crawler.Backend contract using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/watchdog"
)

// Name is the registry key of this backend.
const Name = "colly"

// Fetcher implements crawler.Backend using a Colly collector.
type Fetcher struct {
	crawler.Base
	transport     *http.Transport
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the hooks observe during one visit.
type fetchState struct {
	result   crawler.FetchResponse
	gotResp  bool
	rejected bool
	fetchErr error
}

// New builds a Fetcher.
func New(logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	return &Fetcher{
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Name implements crawler.Backend.
func (f *Fetcher) Name() string { return Name }

// Run executes a single GET (HEAD for pings) with Colly.
func (f *Fetcher) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	timeout := f.Timeout(request)
	state := &fetchState{}
	collector := f.buildCollector(request, timeout, state)

	visitErr, err := watchdog.Run(ctx, timeout, func() error {
		if request.Ping {
			return collector.Head(request.URL)
		}
		return collector.Visit(request.URL)
	})

	var resp crawler.FetchResponse
	switch {
	case err != nil:
		code := crawler.StatusGenericError
		if errors.Is(err, watchdog.ErrTimeout) {
			code = crawler.StatusTimeout
		}
		resp = crawler.NewErrorResponse(request.URL, code, fmt.Errorf("colly visit: %w", err))
	case state.gotResp:
		resp = state.result
	case visitErr != nil && !errors.Is(visitErr, colly.ErrAbortedAfterHeaders):
		resp = crawler.NewErrorResponse(request.URL, classifyError(visitErr), fmt.Errorf("colly visit failed: %w", visitErr))
	case state.fetchErr != nil:
		resp = crawler.NewErrorResponse(request.URL, classifyError(state.fetchErr), fmt.Errorf("colly response failed: %w", state.fetchErr))
	default:
		resp = crawler.NewErrorResponse(request.URL, crawler.StatusGenericError, errors.New("colly produced no response"))
	}
	return crawler.Finish(resp, request, Name, start)
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest, timeout time.Duration, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if ua := f.UserAgent(request); ua != "" {
		collector.UserAgent = ua
	}
	collector.SetRequestTimeout(timeout)
	collector.MaxBodySize = 0
	if max := f.Settings().MaxBytes; max > 0 {
		collector.MaxBodySize = int(max) + 1
	}
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true
	if !request.SSLVerify {
		t := f.transport.Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // caller disabled verification
		collector.WithTransport(t)
	} else {
		collector.WithTransport(f.transport)
	}
	f.configureCollectorHooks(collector, request, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request crawler.FetchRequest, state *fetchState) {
	settings := f.Settings()

	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		resp := crawler.NewResponse(request.URL, r.StatusCode)
		resp.Headers = headers
		if n, ok := crawler.HeaderContentLength(headers); ok && crawler.TooBig(n, settings.MaxBytes) {
			resp.StatusCode = crawler.StatusTooBig
			resp.AddError(crawler.ErrTextPageTooBig)
		} else if !crawler.TypeAccepted(headers.Get("Content-Type"), settings.AcceptedTypes) {
			resp.StatusCode = crawler.StatusUnsupportedType
			resp.AddErrorf("%s: %q", crawler.ErrTextUnsupportedType, headers.Get("Content-Type"))
		} else {
			return
		}
		resp.SetCrawlerData("http_status", strconv.Itoa(r.StatusCode))
		if r.Request != nil && r.Request.URL != nil {
			resp.URL = r.Request.URL.String()
		}
		state.result = resp
		state.gotResp = true
		state.rejected = true
		r.Request.Abort()
	})

	hooks.OnResponse(func(r *colly.Response) {
		if state.rejected {
			return
		}
		resp := crawler.NewResponse(request.URL, r.StatusCode)
		if r.Headers != nil {
			resp.Headers = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			resp.URL = r.Request.URL.String()
		}
		resp.SetCrawlerData("http_status", strconv.Itoa(r.StatusCode))
		if !request.Ping {
			if crawler.TooBig(int64(len(r.Body)), settings.MaxBytes) {
				resp.StatusCode = crawler.StatusTooBig
				resp.AddError(crawler.ErrTextPageTooBig)
			} else {
				resp.SetBinary(r.Body)
			}
		}
		state.result = resp
		state.gotResp = true
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.fetchErr = err
	})
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
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
