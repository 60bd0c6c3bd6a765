package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/replica/loadtest"
	"github.com/platelet-app/dispatchsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Run concurrent replicas against an in-process hub and check convergence",
	Long: `Start several replicas over one in-process hub, drive each with a random mix
of dispatch intents, inject transient submission failures, then compare every
replica's state with the hub.

Example usage:
  dsync loadtest                               # 4 replicas, 50 intents each
  dsync loadtest --replicas 10 --intents 200   # heavier run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.DefaultOptions()
		opts.Replicas, _ = cmd.Flags().GetInt("replicas")
		opts.IntentsPerReplica, _ = cmd.Flags().GetInt("intents")
		opts.FaultEvery, _ = cmd.Flags().GetInt("fault-every")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		opts.Settle, _ = cmd.Flags().GetDuration("settle")
		if fixture, _ := cmd.Flags().GetString("fixture"); fixture != "" {
			f, err := loadFixture(fixture)
			if err != nil {
				return err
			}
			opts.Fixture = f
		}
		opts.Logger = logger

		res, err := loadtest.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return printJSON(out, res)
		}

		fmt.Fprintln(out, ui.Header("Outcomes"))
		ui.CountTable(out, "Outcome", res.Outcomes)
		fmt.Fprintln(out, ui.Header("Latency"))
		tw := ui.NewTable(out, "Min", "P50", "Mean", "P95", "P99", "Max")
		l := res.Latency
		tw.AppendRow([]any{l.Min, l.P50, l.Mean, l.P95, l.P99, l.Max})
		tw.Render()
		fmt.Fprintf(out, "Injected faults: %d, elapsed: %s\n", res.Faults, res.Elapsed.Round(1e6))

		if !res.Converged {
			replicas := make([]string, 0, len(res.Divergent))
			for id := range res.Divergent {
				replicas = append(replicas, id)
			}
			sort.Strings(replicas)
			for _, id := range replicas {
				fmt.Fprintln(out, ui.Error("%s diverged on %d entities", id, len(res.Divergent[id])))
			}
			return fmt.Errorf("replicas did not converge")
		}
		fmt.Fprintln(out, ui.Success("all %d replicas converged", opts.Replicas))
		return nil
	},
}

func init() {
	def := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("replicas", def.Replicas, "number of replicas")
	loadtestCmd.Flags().Int("intents", def.IntentsPerReplica, "intents per replica")
	loadtestCmd.Flags().Int("fault-every", def.FaultEvery, "fail every Nth submission transiently (0 disables)")
	loadtestCmd.Flags().Int64("seed", def.Seed, "random seed")
	loadtestCmd.Flags().Duration("settle", def.Settle, "how long to wait for convergence")
	loadtestCmd.Flags().String("fixture", "", "fixture to seed the hub with (default: demo)")
	rootCmd.AddCommand(loadtestCmd)
}
