package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
	"github.com/platelet-app/dispatchsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "replica",
	Short:   "Synchronize the local replica with the hub",
	Long: `Connect to the hub (or the file feed), deliver queued mutations and apply
changes from other replicas.

By default sync keeps running and prints task changes as they happen.
With --once it exits as soon as the queue has drained.

Example usage:
  dsync sync                 # run until Ctrl+C
  dsync sync --once          # push queued work and exit
  dsync sync --local         # use the file feed even if a hub is configured`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		local, _ := cmd.Flags().GetBool("local")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		r, err := openReplica(ctx, replicaOptions{local: local, syncWait: timeout})
		if err != nil {
			return err
		}
		defer r.Close()

		out := cmd.OutOrStdout()
		if once {
			if !r.online {
				return fmt.Errorf("hub not reachable within %s; queued work is kept", timeout)
			}
			drained := r.settle(ctx, timeout)
			st, err := r.Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(out, st)
			}
			if drained {
				fmt.Fprintln(out, ui.Success("Synchronized (last seq %d)", st.LastSeq))
			} else {
				fmt.Fprintln(out, ui.Warn("%d mutation(s) still queued", st.Queued))
			}
			return nil
		}

		unsubscribe := r.Subscribe(schema.TypeTask, func(c store.Change) {
			fmt.Fprintln(out, describeChange(c))
		})
		defer unsubscribe()

		fmt.Fprintln(out, "Synchronizing; press Ctrl+C to stop...")
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "\nStopping...")
				return nil
			case <-ticker.C:
				logStats(ctx, r)
			}
		}
	},
}

func describeChange(c store.Change) string {
	id := ui.ShortID(c.Key.ID)
	origin := ui.Muted("(" + c.Origin.String() + ")")
	if c.Op == schema.OpDelete {
		return fmt.Sprintf("%s %s removed %s", ui.Muted(time.Now().Format("15:04:05")), id, origin)
	}
	return fmt.Sprintf("%s %s %s %s %s",
		ui.Muted(time.Now().Format("15:04:05")),
		id,
		ui.Status(c.Entity.Fields.String(schema.FieldStatus)),
		c.Entity.Fields.String(schema.FieldAssignedRiders),
		origin)
}

func logStats(ctx context.Context, r *replica) {
	st, err := r.Stats(ctx)
	if err != nil {
		return
	}
	logger.Info("replica", "queued", st.Queued, "in_flight", st.InFlight, "tombstones", st.Tombstones, "synced", st.Synced)
}

func init() {
	syncCmd.Flags().Bool("once", false, "exit once the queue has drained")
	syncCmd.Flags().Bool("local", false, "use the file feed in the data directory")
	syncCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the hub")
	rootCmd.AddCommand(syncCmd)
}
