package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/audit"
	"github.com/fieldops/fieldsync/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "server",
	Short:   "Show the task audit trail",
	Long: `Show audit log entries, most recent first. Requires a privileged role
(server.roles, admin and dispatcher by default).

Examples:
  fieldsync audit --role admin
  fieldsync audit --role dispatcher --task t-102 --format yaml
  fieldsync audit --role admin --limit 50 --offset 50 --format toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")
		if role == "" {
			role = os.Getenv("FIELDSYNC_ROLE")
		}
		taskID, _ := cmd.Flags().GetString("task")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		store, err := openAuditStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		svc := audit.NewService(store, &audit.Config{Roles: cfg.Server.Roles, Logger: logs.Logger("audit")})
		req := audit.Request{Role: role, Limit: limit, Offset: offset}
		if taskID = strings.TrimSpace(taskID); taskID != "" {
			req.TaskID = &taskID
		}

		entries, err := svc.ListAudit(cmd.Context(), req)
		switch {
		case errors.Is(err, audit.ErrForbidden):
			return fmt.Errorf("role %q may not read the audit trail", role)
		case errors.Is(err, audit.ErrUnauthorized):
			return fmt.Errorf("a role is required (--role or FIELDSYNC_ROLE)")
		case err != nil:
			return err
		}

		if format != formatTable {
			return writeStructured(os.Stdout, format, "entries", entries)
		}
		printEntries(entries)
		return nil
	},
}

// openAuditStore opens Postgres when server.audit_database_url is set and
// the local SQLite trail otherwise.
func openAuditStore(ctx context.Context) (audit.Store, error) {
	if cfg.Server.AuditDatabaseURL != "" {
		return audit.OpenPostgres(ctx, cfg.Server.AuditDatabaseURL)
	}
	return audit.OpenSQLite(cfg.Server.AuditDBPath)
}

func printEntries(entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Println(ui.RenderMuted("No audit entries."))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		who := e.ActorID
		if e.Actor != nil && e.Actor.Name != "" {
			who = e.Actor.Name + " (" + e.ActorID + ")"
		}
		changes := make([]string, 0, len(e.Diff))
		for _, c := range e.Diff {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", c.Field, display(c.Before), display(c.After)))
		}
		rows = append(rows, []string{
			e.ChangedAt.Local().Format(time.DateTime),
			e.TaskID,
			ui.RenderAccent(string(e.Action)),
			who,
			strings.Join(changes, "; "),
		})
	}
	ui.Table(os.Stdout, []string{"WHEN", "TASK", "ACTION", "ACTOR", "CHANGES"}, rows)
}

func display(v any) string {
	if v == nil {
		return "∅"
	}
	return fmt.Sprint(v)
}

func init() {
	auditCmd.Flags().String("role", "", "Caller role (default $FIELDSYNC_ROLE)")
	auditCmd.Flags().String("task", "", "Only entries for this task")
	auditCmd.Flags().IntP("limit", "n", audit.DefaultPageSize, "Page size (1-500)")
	auditCmd.Flags().Int("offset", 0, "Entries to skip")
	addFormatFlag(auditCmd)
	rootCmd.AddCommand(auditCmd)
}
