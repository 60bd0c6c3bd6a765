package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/replica/cache"
	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/remote"
	"github.com/platelet-app/dispatchsync/internal/ui"
)

type statusReport struct {
	DataDir  string      `json:"data_dir"`
	ClientID string      `json:"client_id"`
	Journal  cache.Stats `json:"journal"`
	Hub      string      `json:"hub,omitempty"`
	Health   *hub.Health `json:"health,omitempty"`
	HubError string      `json:"hub_error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "replica",
	Short:   "Show the replica journal and hub reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		journal, err := cache.OpenContext(ctx, cfg.JournalPath())
		if err != nil {
			return err
		}
		defer journal.Close()

		report := statusReport{DataDir: cfg.DataDir, Hub: cfg.Hub.URL}
		if report.Journal, err = journal.Stats(ctx); err != nil {
			return err
		}
		if report.ClientID, err = journal.Meta(ctx, cache.MetaClientID); err != nil {
			return err
		}

		if cfg.Hub.URL != "" {
			c := remote.NewClient(cfg.Hub.URL, report.ClientID)
			c.BearerToken = cfg.Hub.Token
			c.Logger = logger
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			health, err := c.Handshake(hctx)
			cancel()
			if err != nil {
				report.HubError = err.Error()
			} else {
				report.Health = &health
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return printJSON(out, report)
		}

		fmt.Fprintln(out, ui.Header("Replica"))
		fmt.Fprintf(out, "  Data dir:   %s\n", report.DataDir)
		clientID := report.ClientID
		if clientID == "" {
			clientID = ui.Muted("(not yet assigned)")
		}
		fmt.Fprintf(out, "  Client ID:  %s\n", clientID)
		fmt.Fprintf(out, "  Snapshots:  %d\n", report.Journal.Snapshots)
		fmt.Fprintf(out, "  Tombstones: %d\n", report.Journal.Tombstones)
		fmt.Fprintf(out, "  Queued:     %d\n", report.Journal.Mutations)
		fmt.Fprintf(out, "  Last seq:   %d\n", report.Journal.LastSeq)

		fmt.Fprintln(out)
		fmt.Fprintln(out, ui.Header("Hub"))
		switch {
		case report.Hub == "":
			fmt.Fprintf(out, "  File feed:  %s\n", cfg.FeedDir())
		case report.Health != nil:
			fmt.Fprintln(out, "  "+ui.Success("%s (%s, protocol %s, %d client(s))", report.Hub, report.Health.Status, report.Health.Protocol, report.Health.Clients))
			counts := make(map[string]int)
			for t, n := range report.Health.Stats.ByType {
				counts[string(t)] = n
			}
			if len(counts) > 0 {
				ui.CountTable(out, "Type", counts)
			}
		default:
			fmt.Fprintln(out, "  "+ui.Error("%s unreachable: %s", report.Hub, report.HubError))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
