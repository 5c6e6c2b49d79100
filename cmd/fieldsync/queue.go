package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "device",
	Short:   "Inspect and edit the local change queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <record-id> <field=value>...",
	Short: "Queue an edit to a record",
	Long: `Queue an edit to a record. Values are parsed as JSON when possible
(numbers, booleans, null, objects), otherwise taken as strings.

An edit to a record that already has a pending edit is folded into it.

Examples:
  fieldsync queue add t-102 status=done mileage=42
  fieldsync queue add t-102 note="gate code 4411" --at "10 minutes ago"
  fieldsync queue add t-102 photo=sig-1.png --tag signatures`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}

		tagName, _ := cmd.Flags().GetString("tag")
		tag, err := queue.ParseTag(tagName)
		if err != nil {
			return err
		}

		var modifiedAt time.Time
		if at, _ := cmd.Flags().GetString("at"); at != "" {
			if modifiedAt, err = parseTime(at, time.Now()); err != nil {
				return err
			}
		}

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		e, err := q.Enqueue(cmd.Context(), queue.Edit{
			RecordID:   args[0],
			Fields:     fields,
			Tag:        tag,
			ModifiedAt: modifiedAt,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Queued edit %s to %s (%d fields, %s)\n",
			ui.RenderPass("✓"), e.ID, e.RecordID, len(e.Fields), e.ModifiedAt.Local().Format(time.DateTime))
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued edits in send order",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		tagName, _ := cmd.Flags().GetString("tag")
		recordID, _ := cmd.Flags().GetString("record")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := queue.ListFilter{Status: queue.Status(status), RecordID: recordID, Limit: limit}
		if tagName != "" {
			if filter.Tag, err = queue.ParseTag(tagName); err != nil {
				return err
			}
		}

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		edits, err := q.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printEdits(format, edits)
	},
}

var queueRejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "List edits the server refused",
	Long: `List edits the server refused for good. They stay in the queue until
acknowledged with 'fieldsync queue ack'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		edits, err := q.Rejected(cmd.Context())
		if err != nil {
			return err
		}
		return printEdits(format, edits)
	},
}

var queueAckCmd = &cobra.Command{
	Use:   "ack <edit-id>",
	Short: "Acknowledge and discard a rejected edit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		e, err := q.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if e.Status != queue.StatusFailed {
			return fmt.Errorf("edit %s is %s, only rejected edits can be acknowledged", e.ID, e.Status)
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && ui.IsTerminal(os.Stdin) {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Discard edit to %s?", e.RecordID)).
				Description(e.LastError).
				Affirmative("Discard").
				Negative("Keep").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Kept.")
				return nil
			}
		}

		if err := q.Acknowledge(cmd.Context(), e.ID); err != nil {
			return err
		}
		fmt.Printf("%s Discarded edit %s to %s\n", ui.RenderPass("✓"), e.ID, e.RecordID)
		return nil
	},
}

func printEdits(format string, edits []*queue.Edit) error {
	if format != formatTable {
		return writeStructured(os.Stdout, format, "edits", edits)
	}
	if len(edits) == 0 {
		fmt.Println(ui.RenderMuted("Queue is empty."))
		return nil
	}

	rows := make([][]string, 0, len(edits))
	for _, e := range edits {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		tags := make([]string, 0, len(e.Tags))
		for _, tag := range e.Tags {
			tags = append(tags, string(tag))
		}
		rows = append(rows, []string{
			e.ID,
			e.RecordID,
			strings.Join(tags, ","),
			ui.RenderStatus(string(e.Status)),
			strconv.Itoa(e.Attempt),
			e.ModifiedAt.Local().Format(time.DateTime),
			strings.Join(keys, ","),
			e.LastError,
		})
	}
	ui.Table(os.Stdout, []string{"ID", "RECORD", "TAG", "STATUS", "TRIES", "MODIFIED", "FIELDS", "ERROR"}, rows)
	return nil
}

// parseFields turns key=value arguments into a field map.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}

// parseTime accepts RFC3339 or natural language such as "10 minutes ago".
func parseTime(s string, base time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q", s)
	}
	return r.Time, nil
}

func init() {
	queueAddCmd.Flags().StringP("tag", "t", string(queue.TagForms), "Edit kind: forms, images or signatures")
	queueAddCmd.Flags().String("at", "", "When the edit was made (RFC3339 or e.g. \"5 minutes ago\")")

	queueListCmd.Flags().String("status", "", "Filter by status: pending, in-flight or failed")
	queueListCmd.Flags().StringP("tag", "t", "", "Filter by tag")
	queueListCmd.Flags().String("record", "", "Filter by record id")
	queueListCmd.Flags().IntP("limit", "n", 0, "Maximum edits to show (0 = all)")
	addFormatFlag(queueListCmd)
	addFormatFlag(queueRejectedCmd)

	queueAckCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueRejectedCmd, queueAckCmd)
	rootCmd.AddCommand(queueCmd)
}
