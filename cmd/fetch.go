package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-broker/internal/app"
	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/hash/sha256"
	"github.com/JakeFAU/crawl-broker/internal/orchestrator"
	"github.com/JakeFAU/crawl-broker/internal/remote"
	"github.com/JakeFAU/crawl-broker/internal/storage"
)

type fetchFlags struct {
	mode        string
	crawlerName string
	timeout     int
	insecure    bool
	ping        bool
	save        string
	viaServer   string
	viaRemote   string
	printBody   bool
}

func newFetchCmd() *cobra.Command {
	var f fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one URL and print the outcome",
		Long: `Fetches a URL locally through the promotion tables, through a running
scraping server (--via-server) or through a remote facade (--via-remote).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := runFetch(cmd.Context(), a, args[0], f)
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), resp)
			if f.printBody && resp.HasBody() {
				_, _ = io.WriteString(cmd.OutOrStdout(), resp.Text()+"\n")
			}
			if f.save != "" {
				return saveResponse(cmd.Context(), cmd.OutOrStdout(), f.save, resp)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.mode, "mode", "", "promotion table to use (standard, headless, full)")
	cmd.Flags().StringVar(&f.crawlerName, "crawler", "", "run one named crawler instead of a promotion table")
	cmd.Flags().IntVar(&f.timeout, "timeout", 0, "timeout in seconds (default from config)")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&f.ping, "ping", false, "only check reachability, skip the body")
	cmd.Flags().StringVar(&f.save, "save", "", "save to a directory, gs://bucket/prefix, memory:// or a facade URL")
	cmd.Flags().StringVar(&f.viaServer, "via-server", "", "scraping server address (host:port)")
	cmd.Flags().StringVar(&f.viaRemote, "via-remote", "", "remote facade base URL")
	cmd.Flags().BoolVar(&f.printBody, "body", false, "print the body")
	cmd.MarkFlagsMutuallyExclusive("via-server", "via-remote")
	return cmd
}

func runFetch(ctx context.Context, a *app.App, rawURL string, f fetchFlags) (crawler.FetchResponse, error) {
	req := a.NewRequest(rawURL)
	if f.timeout > 0 {
		req.Timeout = f.timeout
	}
	req.SSLVerify = !f.insecure
	req.Ping = f.ping

	switch {
	case f.viaServer != "":
		resp, err := a.ServerClient(f.viaServer).Fetch(ctx, req, f.crawlerName)
		if err != nil {
			return resp, fmt.Errorf("fetch via server: %w", err)
		}
		return resp, nil
	case f.viaRemote != "":
		verify := req.SSLVerify
		sel := remote.CrawlerSelection{
			Name:      f.crawlerName,
			Mode:      crawler.Mode(f.mode),
			Timeout:   req.Timeout,
			SSLVerify: &verify,
			Ping:      req.Ping,
		}
		resp, err := remote.NewClient(f.viaRemote, nil).GetJ(ctx, rawURL, sel)
		if err != nil {
			return resp, fmt.Errorf("fetch via remote: %w", err)
		}
		return resp, nil
	case f.crawlerName != "":
		resp, err := a.Fetcher().FetchNamed(ctx, f.crawlerName, req)
		if errors.Is(err, orchestrator.ErrUnknownCrawler) {
			return resp, fmt.Errorf("%w (available: %v)", err, a.Promotion().Names())
		}
		return resp, err
	default:
		opts := a.Config().Options()
		opts.SSLVerify = req.SSLVerify
		opts.Ping = req.Ping
		if f.mode != "" {
			opts.Mode = crawler.Mode(f.mode)
			if !opts.Mode.Valid() {
				return crawler.FetchResponse{}, fmt.Errorf("unknown mode %q", f.mode)
			}
		}
		return a.Fetcher().Fetch(ctx, req, opts), nil
	}
}

func printOutcome(w io.Writer, resp crawler.FetchResponse) {
	class := crawler.Classify(resp.StatusCode)
	paint := color.New(color.FgRed)
	switch class {
	case crawler.StatusOK:
		paint = color.New(color.FgGreen)
	case crawler.StatusRedirect:
		paint = color.New(color.FgYellow)
	}
	_, _ = paint.Fprintf(w, "%d %s", resp.StatusCode, class)
	_, _ = fmt.Fprintf(w, " %s (%s, %s)\n", resp.URL, resp.CrawlerData["crawler"], resp.CrawlTime.Round(time.Millisecond))
	for _, e := range resp.Errors {
		_, _ = color.New(color.Faint).Fprintf(w, "  error: %s\n", e)
	}
}

func saveResponse(ctx context.Context, w io.Writer, dest string, resp crawler.FetchResponse) error {
	d, err := storage.Open(ctx, dest, sha256.New())
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	saved, err := d.Save(ctx, resp)
	if err != nil {
		return err
	}
	if saved.BodyURI != "" {
		_, _ = fmt.Fprintf(w, "body:   %s (sha256 %s)\n", saved.BodyURI, saved.BodyHash)
	}
	if saved.RecordURI != "" {
		_, _ = fmt.Fprintf(w, "record: %s\n", saved.RecordURI)
	}
	return nil
}
