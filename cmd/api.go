package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-broker/internal/api"
	"github.com/JakeFAU/crawl-broker/internal/metrics"
)

func newAPICmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the JSON/HTTP facade (/getj, /socialj, /set)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config().API
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			cfg = cfg.WithDefaults()
			metrics.Init()
			srv := api.NewServer(a.Fetcher(), cfg, a.Logger().Named("api"))
			if err := serveHTTP(cmd.Context(), cfg.Addr, srv.Handler(), a.Logger()); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
