// Package script adapts an external crawler program to crawler.Backend. The
// program is started with the crawl CLI contract and hands its result back
// through a response file.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
)

// Name is the registry key of this backend.
const Name = "script"

// ExitGrace is how long the subprocess may outlive the request timeout
// before it is killed.
const ExitGrace = 5 * time.Second

// ErrNoExecutable is returned by Configure when no program is set.
var ErrNoExecutable = errors.New("script backend: executable not configured")

// Fetcher runs Settings.Executable, optionally followed by Settings.Script,
// once per Run.
type Fetcher struct {
	crawler.Base
	logger *zap.Logger

	mu      sync.Mutex
	workDir string
}

// New builds a Fetcher.
func New(logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{logger: logger}
}

// Name implements crawler.Backend.
func (f *Fetcher) Name() string { return Name }

// Configure requires an executable.
func (f *Fetcher) Configure(settings crawler.Settings) error {
	if settings.Executable == "" {
		return ErrNoExecutable
	}
	return f.Base.Configure(settings)
}

// Args builds the argument list of the crawl CLI contract.
func Args(request crawler.FetchRequest, outputFile string) []string {
	return []string{
		"--url", request.URL,
		"--timeout", strconv.Itoa(request.Timeout),
		"--ssl-verify", strconv.FormatBool(request.SSLVerify),
		"--output-file", outputFile,
	}
}

// Run starts the program and reads whatever response file it produced. A
// non-zero exit is logged but the file is still read; 614 is returned only
// when nothing usable exists.
func (f *Fetcher) Run(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	if request.Timeout <= 0 {
		request.Timeout = int(f.Timeout(request) / time.Second)
	}
	timeout := f.Timeout(request)

	dir, err := f.dir()
	if err != nil {
		resp := crawler.NewErrorResponse(request.URL, crawler.StatusServerError, err)
		return crawler.Finish(resp, request, Name, start)
	}
	output := filepath.Join(dir, uuid.NewString()+".resp")

	settings := f.Settings()
	var args []string
	if settings.Script != "" {
		args = append(args, settings.Script)
	}
	args = append(args, Args(request, output)...)

	runCtx, cancel := context.WithTimeout(ctx, timeout+ExitGrace)
	defer cancel()
	cmd := exec.CommandContext(runCtx, settings.Executable, args...) //nolint:gosec // executable comes from configuration
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	log := f.logger.With(
		zap.String("url", request.URL),
		zap.String("executable", settings.Executable),
		zap.String("stdout", stdout.String()),
		zap.String("stderr", stderr.String()),
	)
	if runErr != nil {
		log.Warn("crawler subprocess failed", zap.Error(runErr))
	} else {
		log.Debug("crawler subprocess finished")
	}

	resp, readErr := protocol.ReadResponseFile(output)
	if readErr != nil {
		code := crawler.StatusServerError
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			code = crawler.StatusTimeout
		}
		resp = crawler.NewErrorResponse(request.URL, code, fmt.Errorf("no usable output: %w", readErr))
		if runErr != nil {
			resp.AddErrorf("subprocess: %v", runErr)
		}
	}
	_ = os.Remove(output)
	if backend := resp.CrawlerData["crawler"]; backend != "" {
		resp.SetCrawlerData("script_crawler", backend)
	}
	return crawler.Finish(resp, request, Name, start)
}

func (f *Fetcher) dir() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.workDir != "" {
		return f.workDir, nil
	}
	base := f.Settings().OutputDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "crawl-broker-script-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	f.workDir = dir
	return dir, nil
}

// Close removes the work directory.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.workDir == "" {
		return nil
	}
	dir := f.workDir
	f.workDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}
