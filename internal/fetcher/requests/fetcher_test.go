package requests

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

func newFetcher(t *testing.T, settings crawler.Settings) *Fetcher {
	t.Helper()
	f := New(zap.NewNop())
	require.NoError(t, f.Configure(settings))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestRunReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotTrace string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotTrace = r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>ok</html>")
	}))
	defer ts.Close()

	f := newFetcher(t, crawler.Settings{UserAgent: "broker/1.0"})
	req := crawler.NewFetchRequest(ts.URL + "/page")
	req.Headers.Set("X-Trace", "abc")

	resp := f.Run(context.Background(), req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>ok</html>", resp.Text())
	require.Equal(t, "utf-8", resp.Encoding())
	require.Equal(t, ts.URL+"/page", resp.RequestURL)
	require.Equal(t, Name, resp.CrawlerData["crawler"])
	require.Equal(t, "broker/1.0", gotUA)
	require.Equal(t, "abc", gotTrace)
	require.True(t, f.IsResponseValid(&resp))
}

func TestRunPingUsesHead(t *testing.T) {
	t.Parallel()

	var method string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Header().Set("Content-Type", "text/html")
	}))
	defer ts.Close()

	f := newFetcher(t, crawler.Settings{})
	req := crawler.NewFetchRequest(ts.URL)
	req.Ping = true

	resp := f.Run(context.Background(), req)
	require.Equal(t, http.MethodHead, method)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, resp.HasBody())
}

func TestRunSizeGateSkipsBody(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "5000000")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer ts.Close()
	defer close(release)

	f := newFetcher(t, crawler.Settings{MaxBytes: 1024})
	start := time.Now()
	resp := f.Run(context.Background(), crawler.FetchRequest{URL: ts.URL, Timeout: 5, SSLVerify: true})

	require.Less(t, time.Since(start), 3*time.Second)
	require.Equal(t, crawler.StatusTooBig, resp.StatusCode)
	require.Contains(t, resp.Errors, crawler.ErrTextPageTooBig)
	require.False(t, resp.HasBody())
	require.False(t, f.IsResponseValid(&resp))
}

func TestRunSizeGateWithoutContentLength(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < 4; i++ {
			_, _ = io.WriteString(w, "0123456789")
			w.(http.Flusher).Flush()
		}
	}))
	defer ts.Close()

	f := newFetcher(t, crawler.Settings{MaxBytes: 16})
	resp := f.Run(context.Background(), crawler.NewFetchRequest(ts.URL))
	require.Equal(t, crawler.StatusTooBig, resp.StatusCode)
	require.False(t, resp.HasBody())
}

func TestRunContentTypeGate(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer ts.Close()

	f := newFetcher(t, crawler.Settings{AcceptedTypes: []string{"html", "xml"}})
	resp := f.Run(context.Background(), crawler.NewFetchRequest(ts.URL))
	require.Equal(t, crawler.StatusUnsupportedType, resp.StatusCode)
	require.NotEmpty(t, resp.Errors)
}

func TestRunTimesOutWithWatchdog(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(10 * time.Second):
		}
		_, _ = io.WriteString(w, "late")
	}))
	defer ts.Close()
	defer close(release)

	f := newFetcher(t, crawler.Settings{})
	start := time.Now()
	resp := f.Run(context.Background(), crawler.FetchRequest{URL: ts.URL, Timeout: 1, SSLVerify: true})

	require.Equal(t, crawler.StatusTimeout, resp.StatusCode)
	require.Less(t, time.Since(start), 3*time.Second)
	require.NotEmpty(t, resp.Errors)
}

func TestRunTLSVerification(t *testing.T) {
	t.Parallel()

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer ts.Close()

	f := newFetcher(t, crawler.Settings{})

	verified := f.Run(context.Background(), crawler.NewFetchRequest(ts.URL))
	require.Equal(t, crawler.StatusConnectionError, verified.StatusCode)

	insecure := crawler.NewFetchRequest(ts.URL)
	insecure.SSLVerify = false
	resp := f.Run(context.Background(), insecure)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "secure", resp.Text())
}

func TestRunConnectionRefused(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	f := newFetcher(t, crawler.Settings{})
	resp := f.Run(context.Background(), crawler.NewFetchRequest(addr))
	require.Equal(t, crawler.StatusConnectionError, resp.StatusCode)
	require.False(t, f.IsResponseValid(&resp))
}
