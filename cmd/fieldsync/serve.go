package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/audit"
	"github.com/fieldops/fieldsync/internal/dashboard"
	"github.com/fieldops/fieldsync/internal/server"
	"github.com/fieldops/fieldsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the reference mutation server",
	Long: `Run the server that devices sync against.

Endpoints:
  POST /api/records/{id}   apply an edit (X-Fieldsync-Actor required)
  GET  /api/records/{id}   current record
  PUT  /api/actors/{id}    update an actor's name and contact (privileged)
  GET  /api/audit          audit trail (privileged role cookie or header)
  GET  /ws                 live audit stream (dashboard.enabled)
  GET  /health             liveness`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		records, err := server.OpenRecordStore(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer records.Close()

		store, err := openAuditStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		auditSvc := audit.NewService(store, &audit.Config{
			Roles:  cfg.Server.Roles,
			Logger: logs.Logger("audit"),
		})

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{Logger: logs.Logger("dashboard")})
		}

		srv := server.New(records, auditSvc, dash, &server.Config{
			Addr:   cfg.Server.Addr,
			Logger: logs.Logger("server"),
			Now:    time.Now,
		})
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Printf("%s Serving on http://%s\n", ui.RenderAccent("→"), srv.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Stop(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default server.addr)")
	rootCmd.AddCommand(serveCmd)
}
