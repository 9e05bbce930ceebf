package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/passport-consumer/internal/presentation"
	"github.com/zjrosen/passport-consumer/internal/process"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <process-id>",
	Short: "Inspect a process record and its journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the process record as JSON")
	rootCmd.AddCommand(statusCmd)
}

// runStatus reads straight from the data directory; no connector
// configuration is needed to inspect past runs.
func runStatus(cmd *cobra.Command, args []string) error {
	processID := args[0]
	journal := process.NewJournal(cfg.DataDir)

	proc, err := journal.ReadProcess(processID)
	if err != nil {
		return fmt.Errorf("reading process %s: %w", processID, err)
	}
	history, err := journal.Replay(processID)
	if err != nil {
		return fmt.Errorf("replaying journal for %s: %w", processID, err)
	}

	dto := presentation.FromProcess(proc, history)
	formatter := presentation.NewFormatter(os.Stdout)
	if statusJSON {
		return formatter.FormatJSON(dto)
	}
	return formatter.FormatText(dto)
}
