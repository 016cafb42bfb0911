package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/daemon"
	"github.com/weftworks/weft/internal/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the weft coordination daemon",
	Long: `Run the daemon that owns the workspace: it supervises agent
processes, executes workflow graphs, persists session state, and serves
IPC clients on a loopback port published in the workspace port file.

Exit codes: 0 normal shutdown, 64 configuration error, 69 another
daemon holds the workspace lock, 70 unexpected internal error.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("foreground-log", false,
		"log to stderr instead of the workspace log file")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ws := resolveWorkspace()

	if fg, _ := cmd.Flags().GetBool("foreground-log"); fg {
		log.InitWriter(os.Stderr)
	} else {
		logDir := filepath.Join(ws, cfg.WorkingDirectory, ".cache")
		_ = os.MkdirAll(logDir, 0750)
		if cleanup, err := log.Init(filepath.Join(logDir, "daemon.log")); err == nil {
			defer cleanup()
		} else {
			log.InitWriter(os.Stderr)
		}
	}

	d, err := daemon.New(ws, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "weft daemon:", err)
		os.Exit(daemon.ExitCode(err))
	}
	defer d.Close()

	if err := d.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "weft daemon:", err)
		d.Close()
		os.Exit(daemon.ExitCode(err))
	}

	fmt.Printf("weft daemon listening on port %d\n", d.Port())
	d.Wait(context.Background())
	return nil
}
