// Command dsync runs dispatch replicas and the hub they synchronize through.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/config"
	"github.com/platelet-app/dispatchsync/internal/logging"
	"github.com/platelet-app/dispatchsync/internal/ui"
)

var (
	v         = config.New()
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "dsync",
	Short: "Offline-first dispatch replica and hub",
	Long: `dsync keeps a local replica of dispatch data (tasks, riders, assignments,
locations) that stays usable offline and converges with a hub once connected.

Local edits apply immediately and are queued; the queue is delivered to the hub
in order with retries, and changes from other replicas stream back in.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Log.Level = lvl
		}
		logger, logCloser, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "replica", Title: "Replica Commands:"},
		&cobra.Group{ID: "hub", Title: "Hub Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().String("data-dir", config.DefaultDataDir, "directory holding the journal, config and file feed")
	rootCmd.PersistentFlags().String("hub", "", "hub URL (empty uses the file feed in the data directory)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("hub.url", rootCmd.PersistentFlags().Lookup("hub"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Error("%v", err))
		os.Exit(1)
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	b, _ := cmd.Flags().GetBool("json")
	return b
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
