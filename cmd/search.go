package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/orchestrator"
)

var (
	searchProvider string
	searchBPN      string
	searchTimeout  time.Duration
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Discover and fetch a provider's digital twin registries",
	Long: `Searches the provider's catalog for digital twin registry assets,
negotiates access and fans out one transfer per discovered registry
endpoint. Each endpoint's outcome is recorded in the process journal;
a single failing registry does not abort the others.`,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchProvider, "provider", "", "provider connector URL (required)")
	searchCmd.Flags().StringVar(&searchBPN, "bpn", "", "provider business partner number (required)")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", 0, "per-process deadline, e.g. 2m (0 = none)")
	_ = searchCmd.MarkFlagRequired("provider")
	_ = searchCmd.MarkFlagRequired("bpn")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := eng.checkConnection(ctx); err != nil {
		return err
	}
	if eng.cfg.EDC.RegistryAssetType == "" {
		return fmt.Errorf("edc.registry_asset_type must be configured for registry search")
	}

	proc, err := eng.store.Create(searchProvider, searchBPN)
	if err != nil {
		return err
	}
	if err := eng.model.Register(proc.ID); err != nil {
		return err
	}
	searchID := uuid.New().String()
	fmt.Printf("process %s created, search %s\n", proc.ID, searchID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			fmt.Println("cancelling...")
			if err := eng.sup.Terminate(proc.ID); err != nil {
				log.ErrorErr(log.CatOrch, "terminating on signal", err, "process", proc.ID)
			}
		case <-ctx.Done():
		}
	}()

	driver := func(ctx context.Context) error {
		return eng.orch.RunRegistrySearch(ctx, orchestrator.RegistrySearchInput{
			ProcessID: proc.ID,
			BPN:       searchBPN,
			SearchID:  searchID,
		})
	}
	if err := eng.sup.RunWithDeadline(ctx, proc.ID, searchTimeout, driver); err != nil {
		return fmt.Errorf("registry search %s did not complete: %w", searchID, err)
	}

	steps, err := eng.journal.ListSteps(proc.ID)
	if err != nil {
		return err
	}
	fmt.Printf("registry search %s completed, %d journal steps\n", searchID, len(steps))
	for _, step := range steps {
		entry, err := eng.journal.Read(proc.ID, step)
		if err != nil {
			continue
		}
		fmt.Printf("  %-45s %s\n", step, entry.Status)
	}
	return nil
}
