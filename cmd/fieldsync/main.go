// Command fieldsync runs the device-side change queue and sync scheduler,
// and the reference server that devices sync against.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/queue"
)

var (
	cfg  *config.Config
	logs *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first edit queue and sync for field operations",
	Long: `fieldsync keeps edits made on a device while offline in a durable local
queue and replays them against the server when connectivity returns.

Configuration is read from ~/.fieldsync/config.yaml, then
.fieldsync/config.yaml, then --config, then FIELDSYNC_* variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(config.Options{File: file})
		if err != nil {
			return err
		}
		out, err := logging.Open(loaded.Log)
		if err != nil {
			return err
		}
		cfg, logs = loaded, out
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (overrides global and project files)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "device", Title: "Device Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openQueue opens the device queue with the configured retry policy.
func openQueue() (*queue.Queue, error) {
	q, err := queue.Open(cfg.Queue.Path, &queue.Config{
		BackoffMin:  cfg.Queue.BackoffMin,
		BackoffMax:  cfg.Queue.BackoffMax,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      logs.Logger("queue"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue at %s: %w", cfg.Queue.Path, err)
	}
	return q, nil
}
