package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/dashboard"
	"github.com/fieldops/fieldsync/internal/scheduler"
	"github.com/fieldops/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "device",
	Short:   "Run the sync scheduler in the foreground",
	Long: `Run the sync scheduler until interrupted.

The daemon flushes on start, every sync.poll_interval, whenever a deferred
sync marker appears in sync.spool_dir ('fieldsync sync schedule', or a
network-up hook that touches sync-all there).

With dashboard.enabled, sync activity is streamed to WebSocket clients:
  ws://localhost:<dashboard.port>/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		var deferrer scheduler.Deferrer
		if spool := spoolDeferrer(); spool != nil {
			defer spool.Close()
			deferrer = spool
		}

		var events scheduler.Events
		if cfg.Dashboard.Enabled {
			dash := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logs.Logger("dashboard"),
			})
			if err := dash.Start(); err != nil {
				return err
			}
			defer dash.Stop()
			events = dashboard.NewHandler(dash, q, logs.Logger("dashboard"))
			fmt.Printf("Dashboard: ws://%s/ws\n", dash.Addr())
		}

		s := newScheduler(q, deferrer, events)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		mode := "immediate"
		if s.Deferred() {
			mode = "deferred (" + cfg.Sync.SpoolDir + ")"
		}
		fmt.Printf("%s Syncing with %s, %s mode. Press Ctrl+C to stop.\n", ui.RenderAccent("→"), cfg.Sync.Endpoint, mode)

		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("\nStopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
