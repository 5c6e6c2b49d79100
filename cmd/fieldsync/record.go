package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/reconcile"
	"github.com/fieldops/fieldsync/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "device",
	Short:   "Inspect records as the device sees them",
}

var recordShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Pull a record from the server and show the reconciled copy",
	Long: `Fetch the server's copy of a record, reconcile it with the device's saved
view and any edits still queued for it, and store the result as the new
local view. Queued edits are not sent; use 'fieldsync sync now' for that.`,
	Args: cobra.ExactArgs(1),
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

		res, err := newScheduler(q, nil, nil).Refresh(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if format != formatTable {
			return writeStructured(os.Stdout, format, "record", res)
		}
		printRecord(args[0], res)
		return nil
	},
}

func printRecord(id string, res reconcile.Result) {
	fmt.Printf("Record: %s (%s copy)\n", ui.RenderAccent(id), res.WinningSource)
	ui.Table(os.Stdout, []string{"FIELD", "VALUE"}, fieldRows(res.Merged))

	switch {
	case res.Ribbon != nil:
		at := time.UnixMilli(res.Ribbon.UpdatedAt).Local().Format(time.DateTime)
		fmt.Println(ui.RenderWarn(fmt.Sprintf("Your queued change was superseded by %s at %s.", res.Ribbon.UpdatedBy, at)))
	case res.Conflict:
		fmt.Println(ui.RenderMuted("Queued changes are newer than the server copy and will be sent on the next sync."))
	}
}

// fieldRows renders a field map as sorted key/value rows. Strings print as
// is; everything else as JSON.
func fieldRows(fields map[string]any) [][]string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		value, ok := fields[k].(string)
		if !ok {
			raw, err := json.Marshal(fields[k])
			if err != nil {
				raw = []byte(fmt.Sprint(fields[k]))
			}
			value = string(raw)
		}
		rows = append(rows, []string{k, value})
	}
	return rows
}

func init() {
	addFormatFlag(recordShowCmd)
	recordCmd.AddCommand(recordShowCmd)
	rootCmd.AddCommand(recordCmd)
}
