package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/replica/seed"
	"github.com/platelet-app/dispatchsync/internal/ui"
)

var seedCmd = &cobra.Command{
	Use:     "seed [fixture.yaml]",
	GroupID: "advanced",
	Short:   "Write fixture entities into the file feed",
	Long: `Expand a YAML fixture into entities and write them into the file feed under
the data directory, where every replica using the feed picks them up. Without
an argument the built-in demo fixture is used. To seed a hub, use
'dsync serve --seed'.

Example usage:
  dsync seed                    # demo data
  dsync seed fixtures/ward.yaml --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.FeedDir()
		}
		source := "demo"
		if len(args) == 1 {
			source = args[0]
		}
		fixture, err := loadFixture(source)
		if err != nil {
			return err
		}

		res, err := seed.Seed(cmd.Context(), fixture, nil, seed.Options{ToDir: dir, DryRun: dryRun})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return printJSON(out, res)
		}

		counts := make(map[string]int, len(res.ByType))
		for t, n := range res.ByType {
			counts[string(t)] = n
		}
		ui.CountTable(out, "Type", counts)
		if len(res.Errors) > 0 {
			sort.Strings(res.Errors)
			for _, e := range res.Errors {
				fmt.Fprintln(out, ui.Error("%s", e))
			}
			return fmt.Errorf("%d entities could not be written", len(res.Errors))
		}
		if dryRun {
			fmt.Fprintln(out, ui.Muted("dry run: nothing written"))
		} else {
			fmt.Fprintln(out, ui.Success("wrote %d files to %s", res.FilesWritten, dir))
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().Bool("dry-run", false, "validate and count without writing")
	seedCmd.Flags().String("dir", "", "target directory (default: the file feed)")
	rootCmd.AddCommand(seedCmd)
}
