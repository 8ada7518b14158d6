package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/armstats"
	"github.com/headline-goat/price-goat/internal/bandit"
	"github.com/headline-goat/price-goat/internal/decision"
	"github.com/headline-goat/price-goat/internal/ingest"
	"github.com/headline-goat/price-goat/internal/server"
	"github.com/headline-goat/price-goat/internal/store"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the price-goat HTTP server.

The server provides:
  - Decision endpoint for storefront price lookups
  - Event ingestion for impressions and purchases
  - Admin API for authoring and results (token protected)
  - Prometheus metrics and a health check

Example:
  price-goat serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config and PG_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if port != 0 {
		cfg.Port = port
	}
	stickiness, err := decision.ParseStickiness(cfg.Stickiness)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	backend, release, err := statsBackend(ctx, s)
	if err != nil {
		return err
	}
	defer release()

	srv := buildServer(s, backend, stickiness)
	return srv.Run(ctx, true)
}

func buildServer(s *store.SQLiteStore, backend armstats.Backend, stickiness decision.Stickiness) *server.Server {
	agg := armstats.New(backend, cfg.StatsTTL)
	in := ingest.New(s, agg)
	sel := bandit.New(bandit.Config{
		PriorAlpha:           cfg.PriorAlpha,
		PriorBeta:            cfg.PriorBeta,
		ColdStartConversions: cfg.ColdStartConversions,
	})
	res := decision.New(s, agg, sel, in, decision.Config{
		Timeout:    cfg.DecisionTimeout,
		Stickiness: stickiness,
	})
	return server.New(s, res, in, server.Config{
		Port:      cfg.Port,
		Token:     cfg.AdminToken,
		TokenFile: tokenFilePath(),
	})
}
