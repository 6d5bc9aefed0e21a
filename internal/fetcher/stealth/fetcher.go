// Package stealth implements a backend that presents browser TLS
// fingerprints through CycleTLS. Profiles are tried in order and a 403 moves
// on to the next one.
package stealth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Danny-Dasilva/CycleTLS/cycletls"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/watchdog"
)

// Name is the registry key of this backend.
const Name = "stealth"

// Profile pairs a JA3 fingerprint with the user agent of the same browser.
type Profile struct {
	JA3       string
	UserAgent string
}

// DefaultProfiles are tried in order.
var DefaultProfiles = []Profile{
	{
		// Safari on macOS
		JA3:       "772,4865-4866-4867-49196-49195-52393-49200-49199-52392-49162-49161-49172-49171-157-156-53-47-49160-49170-10,0-23-65281-10-11-16-5-13-18-51-45-43-27,29-23-24-25,0",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.4 Safari/605.1.15",
	},
	{
		// Firefox
		JA3:       "771,4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-51-57-47-53-10,0-23-65281-10-11-35-16-5-51-43-13-45-28-21,29-23-24-25-256-257,0",
		UserAgent: "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	},
}

// doer is the part of cycletls.CycleTLS the fetcher uses.
type doer interface {
	Do(url string, options cycletls.Options, method string) (cycletls.Response, error)
}

// Fetcher implements crawler.Backend with CycleTLS.
type Fetcher struct {
	crawler.Base
	client   doer
	profiles []Profile
	logger   *zap.Logger
}

// New builds a fetcher on a CycleTLS client without a worker pool. Such a
// client owns no channels, so there is nothing to close.
func New(logger *zap.Logger) *Fetcher {
	return newWithClient(cycletls.Init(), logger)
}

func newWithClient(client doer, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:   client,
		profiles: DefaultProfiles,
		logger:   logger,
	}
}

// Name implements crawler.Backend.
func (f *Fetcher) Name() string { return Name }

// Run tries each profile under one watchdog budget.
func (f *Fetcher) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	timeout := f.Timeout(request)
	resp, err := watchdog.Run(ctx, timeout, func() crawler.FetchResponse {
		return f.cycle(request, timeout)
	})
	if err != nil {
		code := crawler.StatusGenericError
		if errors.Is(err, watchdog.ErrTimeout) {
			code = crawler.StatusTimeout
		}
		resp = crawler.NewErrorResponse(request.URL, code, fmt.Errorf("url %s: %w", request.URL, err))
	}
	return crawler.Finish(resp, request, Name, start)
}

func (f *Fetcher) cycle(request crawler.FetchRequest, timeout time.Duration) crawler.FetchResponse {
	method := http.MethodGet
	if request.Ping {
		method = http.MethodHead
	}
	headers := flattenHeaders(request.Headers)

	var (
		last    cycletls.Response
		lastErr error
	)
	for i, profile := range f.profiles {
		ua := profile.UserAgent
		if explicit := f.UserAgent(request); explicit != "" {
			ua = explicit
		}
		last, lastErr = f.client.Do(request.URL, cycletls.Options{
			Ja3:                profile.JA3,
			UserAgent:          ua,
			Headers:            headers,
			Timeout:            int(timeout / time.Second),
			InsecureSkipVerify: !request.SSLVerify,
		}, method)

		log := f.logger.With(zap.Int("profile", i+1), zap.String("url", request.URL))
		switch {
		case lastErr != nil:
			log.Debug("profile failed", zap.Error(lastErr))
			continue
		case last.Status == 0 && handshakeFailure(last.Body):
			log.Debug("tls handshake rejected")
			continue
		case last.Status == http.StatusForbidden:
			log.Debug("forbidden, trying next profile")
			continue
		}
		break
	}
	return f.toResponse(request, last, lastErr)
}

func (f *Fetcher) toResponse(request crawler.FetchRequest, raw cycletls.Response, err error) crawler.FetchResponse {
	if err != nil {
		return crawler.NewErrorResponse(request.URL, classifyError(err), fmt.Errorf("cycletls: %w", err))
	}
	if raw.Status == 0 {
		resp := crawler.NewResponse(request.URL, crawler.StatusConnectionError)
		resp.AddErrorf("cycletls: no status: %s", truncate(raw.Body, 200))
		return resp
	}

	resp := crawler.NewResponse(request.URL, raw.Status)
	if raw.FinalUrl != "" {
		resp.URL = raw.FinalUrl
	}
	for k, v := range raw.Headers {
		resp.Headers.Set(k, v)
	}
	resp.SetCrawlerData("http_status", strconv.Itoa(raw.Status))
	if request.Ping {
		return resp
	}

	settings := f.Settings()
	body := []byte(raw.Body)
	if n, ok := crawler.HeaderContentLength(resp.Headers); (ok && crawler.TooBig(n, settings.MaxBytes)) ||
		crawler.TooBig(int64(len(body)), settings.MaxBytes) {
		resp.StatusCode = crawler.StatusTooBig
		resp.AddError(crawler.ErrTextPageTooBig)
		return resp
	}
	if !crawler.TypeAccepted(resp.ContentType(), settings.AcceptedTypes) {
		resp.StatusCode = crawler.StatusUnsupportedType
		resp.AddErrorf("%s: %q", crawler.ErrTextUnsupportedType, resp.ContentType())
		return resp
	}
	resp.SetBinary(body)
	return resp
}

// Close implements crawler.Backend. The poolless client holds nothing.
func (f *Fetcher) Close() error { return nil }

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) > 0 {
			out[k] = strings.Join(values, ", ")
		}
	}
	return out
}

func handshakeFailure(body string) bool {
	return strings.Contains(body, "tls: protocol version not supported") ||
		strings.Contains(body, "HANDSHAKE_FAILURE")
}

func classifyError(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return crawler.StatusTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "dial tcp"):
		return crawler.StatusConnectionError
	default:
		return crawler.StatusGenericError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
