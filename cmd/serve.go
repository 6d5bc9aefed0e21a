package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-broker/internal/logging"
	"github.com/JakeFAU/crawl-broker/internal/metrics"
	"github.com/JakeFAU/crawl-broker/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		host       string
		port       int
		executable string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coalescing scraping server",
		Long: `Listens for scraping clients on TCP, merges concurrent requests for the same
URL into one crawl, and launches "crawl" subprocesses that report back to it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config()
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			logger := a.Logger()

			errLog, closeErrLog, err := logging.NewErrorLog(cfg.Logging.ErrorLog)
			if err != nil {
				return err
			}
			defer func() { _ = closeErrLog() }()

			var extra []string
			if path := configFlag(cmd); path != "" {
				extra = append(extra, "--config", path)
			}
			launcher, err := server.NewExecLauncher(executable, extra, logger.Named("launcher"))
			if err != nil {
				return err
			}

			metrics.Init()
			srv := server.New(cfg.Server, launcher, logger.Named("server"), server.WithErrorLog(errLog))

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.ListenAndServe(ctx)
			})
			if cfg.Metrics.Addr != "" {
				g.Go(func() error {
					return serveHTTP(ctx, cfg.Metrics.Addr, metrics.Handler(), logger)
				})
			}
			if err := g.Wait(); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "interface to listen on")
	cmd.Flags().IntVar(&port, "port", server.DefaultPort, "TCP port to listen on")
	cmd.Flags().StringVar(&executable, "crawler-executable", "", "binary launched per crawl (default: this executable)")
	return cmd
}

// serveHTTP runs an HTTP server until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", addr, err)
		}
		return nil
	}
}
