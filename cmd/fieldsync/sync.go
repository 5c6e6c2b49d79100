package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/scheduler"
	"github.com/fieldops/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "device",
	Short:   "Send queued edits to the server",
}

var syncNowCmd = &cobra.Command{
	Use:   "now [forms|images|signatures|all]",
	Short: "Flush queued edits immediately",
	Long: `Send every queued edit whose retry delay has elapsed, oldest first.
Edits that fail with a retryable error stay queued; edits the server
refuses are parked for review ('fieldsync queue rejected').`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag := queue.TagAll
		if len(args) == 1 {
			var err error
			if tag, err = queue.ParseTag(args[0]); err != nil {
				return err
			}
		}

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		s := newScheduler(q, nil, nil)
		fmt.Printf("%s Syncing %s edits with %s...\n", ui.RenderAccent("→"), tag, cfg.Sync.Endpoint)

		// Without a deferrer both paths flush inline before returning.
		if tag == queue.TagAll {
			err = s.TriggerManualSync(cmd.Context())
		} else {
			err = s.ScheduleSync(cmd.Context(), tag)
		}
		if err != nil {
			return err
		}
		printReport(s.LastReport())
		return nil
	},
}

var syncScheduleCmd = &cobra.Command{
	Use:   "schedule <forms|images|signatures|all>",
	Short: "Ask the daemon to flush when connectivity returns",
	Long: `Register a deferred sync for a tag. With sync.deferred enabled this drops
a marker in the spool directory that a running 'fieldsync daemon' picks up;
otherwise the queue is flushed right away.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := queue.ParseTag(args[0])
		if err != nil {
			return err
		}

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		var d scheduler.Deferrer
		if spool := spoolDeferrer(); spool != nil {
			defer spool.Close()
			d = spool
		}
		s := newScheduler(q, d, nil)
		if !s.Deferred() {
			fmt.Println(ui.RenderWarn("Deferred sync is unavailable; flushing now."))
		}

		if err := s.ScheduleSync(cmd.Context(), tag); err != nil {
			return err
		}
		if s.Deferred() {
			fmt.Printf("%s Registered deferred sync %s\n", ui.RenderPass("✓"), tag.SyncName())
			return nil
		}
		printReport(s.LastReport())
		return nil
	},
}

var syncCancelCmd = &cobra.Command{
	Use:   "cancel <forms|images|signatures|all>",
	Short: "Withdraw a deferred sync that has not fired yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := queue.ParseTag(args[0])
		if err != nil {
			return err
		}

		spool := spoolDeferrer()
		if spool == nil {
			fmt.Println(ui.RenderMuted("Deferred sync is disabled; nothing to withdraw."))
			return nil
		}
		defer spool.Close()

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		if err := newScheduler(q, spool, nil).Withdraw(tag); err != nil {
			return err
		}
		fmt.Printf("%s Withdrew %s\n", ui.RenderPass("✓"), tag.SyncName())
		return nil
	},
}

// spoolDeferrer returns the configured spool deferrer, or nil when deferred
// sync is disabled. The caller closes it.
func spoolDeferrer() *scheduler.SpoolDeferrer {
	if !cfg.Sync.Deferred {
		return nil
	}
	return scheduler.NewSpoolDeferrer(cfg.Sync.SpoolDir, logs.Logger("spool"))
}

// newScheduler wires a scheduler to the configured endpoint.
func newScheduler(q *queue.Queue, d scheduler.Deferrer, events scheduler.Events) *scheduler.Scheduler {
	client := remote.New(&remote.Config{BaseURL: cfg.Sync.Endpoint, Actor: cfg.Device.Actor})
	return scheduler.New(q, client, d, &scheduler.Config{
		PollInterval:   cfg.Sync.PollInterval,
		AttemptTimeout: cfg.Sync.AttemptTimeout,
		Events:         events,
		Logger:         logs.Logger("scheduler"),
	})
}

func printReport(r scheduler.Report) {
	if r.Coalesced {
		fmt.Println(ui.RenderMuted("A flush was already running; this request was merged into it."))
		return
	}
	ui.Table(os.Stdout, []string{"ATTEMPTED", "APPLIED", "RETRY", "REJECTED", "CONFLICTS", "TOOK"}, [][]string{{
		strconv.Itoa(r.Attempted),
		ui.RenderPass(strconv.Itoa(r.Applied)),
		ui.RenderWarn(strconv.Itoa(r.Retried)),
		ui.RenderFail(strconv.Itoa(r.Rejected)),
		strconv.Itoa(r.Conflicts),
		r.Duration.Round(time.Millisecond).String(),
	}})
	if r.Rejected > 0 {
		fmt.Println(ui.RenderWarn("Review refused edits with 'fieldsync queue rejected'."))
	}
}

func init() {
	syncCmd.AddCommand(syncNowCmd, syncScheduleCmd, syncCancelCmd)
	rootCmd.AddCommand(syncCmd)
}
