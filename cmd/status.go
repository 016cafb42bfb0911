package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/ipc"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's state snapshot",
	Long: `Connect to the daemon over IPC and print its state snapshot:
sessions, pool occupancy, and coordinator state. Fails when no daemon
is running in the workspace.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "print the raw snapshot as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	log.InitWriter(io.Discard)

	layout := store.NewLayout(resolveWorkspace(), cfg.WorkingDirectory)
	c, err := ipc.Dial(layout)
	if err != nil {
		return fmt.Errorf("no daemon reachable in %s: %w", layout.Root(), err)
	}
	defer c.Close()

	res, err := c.Request("state.snapshot", nil)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	snap, _ := res.(map[string]any)
	if p, ok := snap["pool"].(map[string]any); ok {
		fmt.Printf("pool: %v available / %v busy / %v resting (total %v)\n",
			p["available"], p["busy"], p["resting"], p["total"])
	}
	if state, ok := snap["coordinator"].(string); ok {
		fmt.Printf("coordinator: %s\n", state)
	}
	sessions, _ := snap["sessions"].([]any)
	fmt.Printf("sessions: %d\n", len(sessions))
	for _, raw := range sessions {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("  %v  %-10v  %v\n", s["id"], s["status"], s["requirement"])
	}
	return nil
}
