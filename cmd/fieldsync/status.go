package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "device",
	Short:   "Show queue depth and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Device:   %s (%s)\n", cfg.Device.ID, cfg.Device.Actor)
		fmt.Printf("Queue:    %s\n", cfg.Queue.Path)
		ui.Table(os.Stdout, []string{"PENDING", "IN-FLIGHT", "REJECTED", "TOTAL"}, [][]string{{
			ui.RenderAccent(strconv.Itoa(stats.Pending)),
			strconv.Itoa(stats.InFlight),
			ui.RenderFail(strconv.Itoa(stats.Failed)),
			strconv.Itoa(stats.Total()),
		}})

		if cfg.Sync.Deferred {
			markers, _ := filepath.Glob(filepath.Join(cfg.Sync.SpoolDir, "sync-*"))
			names := make([]string, 0, len(markers))
			for _, m := range markers {
				names = append(names, filepath.Base(m))
			}
			if len(names) == 0 {
				fmt.Println("Deferred: none registered")
			} else {
				fmt.Printf("Deferred: %s\n", strings.Join(names, ", "))
			}
		}

		fmt.Printf("Server:   %s ", cfg.Sync.Endpoint)
		if err := ping(cmd.Context(), cfg.Sync.Endpoint); err != nil {
			fmt.Println(ui.RenderWarn("unreachable (" + err.Error() + ")"))
		} else {
			fmt.Println(ui.RenderPass("reachable"))
		}
		return nil
	},
}

func ping(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "ok" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
