package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/seed"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "hub",
	Short:   "Run a hub that replicas synchronize through",
	Long: `Run an in-memory hub over HTTP and websocket.

Replicas submit mutations to POST /v1/mutations, list entities with
GET /v1/entities/{type} and stream commits from GET /v1/subscribe.
Prometheus metrics are served on /metrics and liveness on /health.

When serve.jwt_secret is set every request except /health and /metrics must
carry a bearer token (see 'dsync token issue').

Example usage:
  dsync serve                          # listen on serve.addr
  dsync serve --addr :8470 --seed demo # preload the demo fixture`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Serve.Addr = addr
		}
		if fixture, _ := cmd.Flags().GetString("seed"); fixture != "" {
			cfg.Serve.Seed = fixture
		}
		strict, _ := cmd.Flags().GetStringSlice("strict")

		lcfg := hub.DefaultLedgerConfig()
		lcfg.Logger = logger
		for _, name := range strict {
			t, err := schema.ParseEntityType(name)
			if err != nil {
				return err
			}
			lcfg.StrictTypes = append(lcfg.StrictTypes, t)
		}
		ledger := hub.NewLedger(lcfg)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if cfg.Serve.Seed != "" {
			if err := seedLedger(ctx, ledger, cfg.Serve.Seed); err != nil {
				return err
			}
		}

		server := hub.NewServer(ledger, &hub.Config{
			Addr:      cfg.Serve.Addr,
			JWTSecret: cfg.Serve.JWTSecret,
			Logger:    logger,
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start hub: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Hub listening on http://%s (protocol %s)\n", server.Addr(), hub.ProtocolVersion)
		if cfg.Serve.JWTSecret == "" {
			fmt.Fprintln(out, "Authentication disabled: set serve.jwt_secret to require tokens")
		}
		fmt.Fprintln(out, "Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Fprintln(out, "\nShutting down hub...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		return nil
	},
}

func seedLedger(ctx context.Context, ledger *hub.Ledger, source string) error {
	fixture, err := loadFixture(source)
	if err != nil {
		return err
	}
	res, err := seed.Seed(ctx, fixture, ledger, seed.Options{})
	if err != nil {
		return err
	}
	total := 0
	for _, n := range res.ByType {
		total += n
	}
	logger.Info("hub seeded", "source", source, "entities", total)
	return nil
}

// loadFixture reads a fixture file, or the built-in one for "demo".
func loadFixture(source string) (*seed.Fixture, error) {
	if source == "demo" {
		return seed.Demo(), nil
	}
	return seed.Load(source)
}

func init() {
	serveCmd.Flags().String("addr", "", "address to listen on (default serve.addr)")
	serveCmd.Flags().String("seed", "", "fixture to preload, or \"demo\"")
	serveCmd.Flags().StringSlice("strict", nil, "entity types whose updates must carry the current updatedAt")
	rootCmd.AddCommand(serveCmd)
}
