package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vkode/conductor/internal/config"
	"github.com/vkode/conductor/pkg/delegate"
)

var statusRunLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and recent runs",
	Long:  `Show whether the conductor daemon is running and list recent delegation runs.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusRunLimit, "runs", 10, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()

	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
	} else {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}

		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
			return fmt.Errorf("invalid PID file: %w", err)
		}

		fmt.Println("Status: running")
		fmt.Printf("PID: %d\n", pid)
		if fileInfo, err := os.Stat(pidFile); err == nil {
			fmt.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
		}
	}

	return printRecentRuns()
}

// printRecentRuns reads run history straight from the store so status
// works whether or not the daemon is up.
func printRecentRuns() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Path == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return nil
	}

	store, err := delegate.OpenStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRecent(statusRunLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println("Recent runs:")
	for _, run := range runs {
		line := fmt.Sprintf("  %s  %-10s  %s", run.ID, run.Status, run.AgentName)
		if run.EndTime != nil {
			line += fmt.Sprintf("  (%s)", formatDuration(run.EndTime.Sub(run.StartTime)))
		}
		fmt.Println(line)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
