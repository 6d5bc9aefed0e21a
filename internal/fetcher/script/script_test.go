package script

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// writeScript creates a shell script; it receives the contract flags as
// $1..$8 with the output path in $8.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawl.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

func newFetcher(t *testing.T, script string) *Fetcher {
	t.Helper()
	f := New(zap.NewNop())
	require.NoError(t, f.Configure(crawler.Settings{Executable: "/bin/sh", Script: script, OutputDir: t.TempDir()}))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestArgs(t *testing.T) {
	t.Parallel()

	req := crawler.FetchRequest{URL: "https://example.com", Timeout: 7, SSLVerify: false}
	require.Equal(t, []string{
		"--url", "https://example.com",
		"--timeout", "7",
		"--ssl-verify", "false",
		"--output-file", "/tmp/out",
	}, Args(req, "/tmp/out"))
}

func TestConfigureRequiresExecutable(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, New(nil).Configure(crawler.Settings{}), ErrNoExecutable)
}

func TestRunReadsResponseFile(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `printf 'PageResponseObject.__init__:\000PageResponseObject.url:%s\000PageResponseObject.status_code:200\000PageResponseObject.text:hello\000PageResponseObject.__del__:\000' "$2" > "$8"`)
	f := newFetcher(t, script)

	resp := f.Run(context.Background(), crawler.FetchRequest{URL: "https://example.com/a", Timeout: 5, SSLVerify: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", resp.Text())
	require.Equal(t, "https://example.com/a", resp.URL)
	require.Equal(t, "https://example.com/a", resp.RequestURL)
	require.Equal(t, Name, resp.CrawlerData["crawler"])
}

func TestRunNonZeroExitStillReadsOutput(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `printf 'PageResponseObject.__init__:\000PageResponseObject.status_code:404\000PageResponseObject.__del__:\000' > "$8"; exit 2`)
	f := newFetcher(t, script)

	resp := f.Run(context.Background(), crawler.FetchRequest{URL: "https://example.com", Timeout: 5})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunWithoutOutputIsServerError(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, writeScript(t, `echo boom >&2; exit 3`))

	resp := f.Run(context.Background(), crawler.FetchRequest{URL: "https://example.com", Timeout: 5})
	require.Equal(t, crawler.StatusServerError, resp.StatusCode)
	require.Len(t, resp.Errors, 2)
}

func TestRunKillsSlowScript(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, writeScript(t, `sleep 30`))
	require.NoError(t, f.Configure(crawler.Settings{Executable: "/bin/sh", Script: f.Settings().Script, Timeout: time.Second}))

	start := time.Now()
	resp := f.Run(context.Background(), crawler.FetchRequest{URL: "https://example.com", Timeout: 1})
	require.Equal(t, crawler.StatusTimeout, resp.StatusCode)
	require.Less(t, time.Since(start), ExitGrace+5*time.Second)
}

func TestCloseRemovesWorkDir(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, writeScript(t, `exit 0`))
	_ = f.Run(context.Background(), crawler.FetchRequest{URL: "https://example.com", Timeout: 5})

	dir := f.workDir
	require.DirExists(t, dir)
	require.NoError(t, f.Close())
	require.NoDirExists(t, dir)
}
