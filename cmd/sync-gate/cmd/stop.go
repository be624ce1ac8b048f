package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const stopPollInterval = 200 * time.Millisecond

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gateway found through its PID file (~/.sync-gate/server.pid).

The gateway gets --timeout to drain in-flight long-polls before it is killed.

Examples:
  # Stop the running gateway
  sync-gate stop

  # Allow a minute for open change feeds to close
  sync-gate stop --timeout 1m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer(pidFilePath(), stopTimeout, cmd.ErrOrStderr())
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 15*time.Second, "time to wait for a graceful exit before killing")
	rootCmd.AddCommand(stopCmd)
}

// stopServer stops the gateway whose PID is recorded at pidPath. The PID
// file is removed whenever the process is known to be gone.
func stopServer(pidPath string, timeout time.Duration, out io.Writer) error {
	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no PID file at %s: is the gateway running?", pidPath)
	}

	proc, ok := findRunning(pid)
	if !ok {
		_ = os.Remove(pidPath)
		return fmt.Errorf("gateway process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(out, "Stopping gateway (PID %d)...\n", pid)
	if err := requestStop(proc); err != nil {
		return fmt.Errorf("failed to stop gateway: %w", err)
	}

	if waitExit(pid, timeout) {
		_ = os.Remove(pidPath)
		fmt.Fprintln(out, "Gateway stopped.")
		return nil
	}

	fmt.Fprintf(out, "Gateway still running after %s, killing it.\n", timeout)
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill gateway: %w", err)
	}
	_ = os.Remove(pidPath)
	return nil
}
