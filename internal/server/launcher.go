package server

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// Job describes one crawl the server wants performed. The crawler reports
// back by connecting to ServerAddr and sending its response.
type Job struct {
	Request     crawler.FetchRequest
	CrawlerName string
	ServerAddr  string
	// WorkDir is a per-crawl scratch directory purged by maintenance.
	WorkDir string
}

// Launcher starts a crawl and blocks until it has finished.
type Launcher interface {
	Launch(ctx context.Context, job Job) error
}

// LaunchArgs builds the crawl subcommand invocation for job.
func LaunchArgs(job Job) []string {
	args := []string{
		"crawl",
		"--url", job.Request.URL,
		"--timeout", strconv.Itoa(job.Request.Timeout),
		"--ssl-verify", strconv.FormatBool(job.Request.SSLVerify),
		"--remote-server", job.ServerAddr,
	}
	if job.CrawlerName != "" {
		args = append(args, "--crawler", job.CrawlerName)
	}
	return args
}

// ExecLauncher runs the crawler as a subprocess.
type ExecLauncher struct {
	Executable string
	// ExtraArgs are inserted before the crawl subcommand, e.g. --config.
	ExtraArgs []string
	Logger    *zap.Logger
}

// NewExecLauncher defaults executable to the running binary.
func NewExecLauncher(executable string, extraArgs []string, logger *zap.Logger) (*ExecLauncher, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		executable = self
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecLauncher{Executable: executable, ExtraArgs: extraArgs, Logger: logger}, nil
}

// Launch runs the subprocess with TMPDIR pointing at the job's work
// directory. A non-zero exit is returned as an error after its output is
// logged.
func (l *ExecLauncher) Launch(ctx context.Context, job Job) error {
	args := append(append([]string(nil), l.ExtraArgs...), LaunchArgs(job)...)
	cmd := exec.CommandContext(ctx, l.Executable, args...) //nolint:gosec // executable comes from configuration
	cmd.Env = os.Environ()
	if job.WorkDir != "" {
		cmd.Env = append(cmd.Env, "TMPDIR="+job.WorkDir)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	log := l.Logger.With(
		zap.String("url", job.Request.URL),
		zap.String("crawler", job.CrawlerName),
		zap.String("stdout", stdout.String()),
		zap.String("stderr", stderr.String()),
	)
	if err != nil {
		log.Warn("crawler exited with error", zap.Error(err))
		return fmt.Errorf("run crawler: %w", err)
	}
	log.Debug("crawler finished")
	return nil
}
