package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-broker/internal/app"
	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
)

type crawlFlags struct {
	url          string
	timeout      int
	sslVerify    string
	outputFile   string
	remoteServer string
	crawlerName  string
	mode         string
}

// newCrawlCmd is the crawler entry point the scraping server and the script
// backend launch. It always produces exactly one response.
func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Fetch one URL and report the response",
		Long: `Fetches --url and writes the framed response to --output-file, pushes it to
--remote-server, or prints it to stdout. Failures are reported as synthetic
status codes inside the response; the exit code is non-zero only when the
response could not be delivered.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			resp := runCrawl(cmd.Context(), a, f)
			return deliverCrawl(cmd, a, f, resp)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "URL to fetch")
	cmd.Flags().IntVar(&f.timeout, "timeout", 0, "timeout in seconds (default from config)")
	cmd.Flags().StringVar(&f.sslVerify, "ssl-verify", "true", "verify TLS certificates (true or false)")
	cmd.Flags().StringVar(&f.outputFile, "output-file", "", "write the framed response to this file")
	cmd.Flags().StringVar(&f.remoteServer, "remote-server", "", "scraping server to push the response to (host:port)")
	cmd.Flags().StringVar(&f.crawlerName, "crawler", "", "named crawler to run")
	cmd.Flags().StringVar(&f.mode, "mode", "", "promotion table when no crawler is named")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(ctx context.Context, a *app.App, f crawlFlags) crawler.FetchResponse {
	req := a.NewRequest(f.url)
	if f.timeout > 0 {
		req.Timeout = f.timeout
	}
	verify, err := strconv.ParseBool(f.sslVerify)
	if err != nil {
		a.Logger().Warn("invalid --ssl-verify, verifying", zap.String("value", f.sslVerify))
		verify = true
	}
	req.SSLVerify = verify

	var resp crawler.FetchResponse
	if f.crawlerName != "" {
		resp, err = a.Fetcher().FetchNamed(ctx, f.crawlerName, req)
		if err != nil {
			resp = crawler.NewErrorResponse(f.url, crawler.StatusGenericError, err)
		}
	} else {
		opts := a.Config().Options()
		opts.SSLVerify = verify
		if f.mode != "" {
			opts.Mode = crawler.Mode(f.mode)
		}
		resp = a.Fetcher().Fetch(ctx, req, opts)
	}
	// The server matches responses to pending requests by this field.
	resp.RequestURL = f.url
	return resp
}

func deliverCrawl(cmd *cobra.Command, a *app.App, f crawlFlags, resp crawler.FetchResponse) error {
	log := a.Logger().With(zap.String("url", f.url), zap.Int("status", resp.StatusCode))
	switch {
	case f.outputFile != "":
		if err := protocol.WriteResponseFile(f.outputFile, resp); err != nil {
			return err
		}
		log.Debug("response written", zap.String("file", f.outputFile))
	case f.remoteServer != "":
		if err := a.ServerClient(f.remoteServer).Push(cmd.Context(), resp, a.PushTimeout()); err != nil {
			return fmt.Errorf("push response: %w", err)
		}
		log.Debug("response pushed", zap.String("server", f.remoteServer))
	default:
		if _, err := cmd.OutOrStdout().Write(protocol.EncodeResponse(resp)); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return nil
}
