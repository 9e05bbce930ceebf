package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/orchestrator"
	"github.com/zjrosen/passport-consumer/internal/passport"
	"github.com/zjrosen/passport-consumer/internal/process"
)

var (
	fetchProvider string
	fetchBPN      string
	fetchAsset    string
	fetchTimeout  time.Duration
	fetchEndpoint string
	fetchToken    string
	fetchOutput   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Negotiate and transfer a single product passport",
	Long: `Runs one passport retrieval end-to-end: looks up the asset in the
provider's catalog, negotiates a contract, drives the transfer to a
terminal state and, when a data-plane endpoint is given, retrieves the
passport artifact itself. Ctrl-C cancels the process cooperatively.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchProvider, "provider", "", "provider connector URL (required)")
	fetchCmd.Flags().StringVar(&fetchBPN, "bpn", "", "provider business partner number (required)")
	fetchCmd.Flags().StringVar(&fetchAsset, "asset", "", "asset id of the passport to fetch (required)")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "per-process deadline, e.g. 2m (0 = none)")
	fetchCmd.Flags().StringVar(&fetchEndpoint, "data-endpoint", "", "data-plane URL to retrieve the artifact from after transfer")
	fetchCmd.Flags().StringVar(&fetchToken, "token", "", "bearer token for the data-plane request")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "write the artifact to this file instead of stdout")
	_ = fetchCmd.MarkFlagRequired("provider")
	_ = fetchCmd.MarkFlagRequired("bpn")
	_ = fetchCmd.MarkFlagRequired("asset")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
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

	dataset, err := eng.client.FindOfferByAssetID(ctx, fetchProvider, fetchAsset)
	if err != nil {
		return fmt.Errorf("catalog lookup: %w", err)
	}
	if dataset == nil {
		return fmt.Errorf("asset %s is not offered by %s", fetchAsset, fetchProvider)
	}

	proc, err := eng.store.Create(fetchProvider, fetchBPN)
	if err != nil {
		return err
	}
	if err := eng.model.Register(proc.ID); err != nil {
		return err
	}
	fmt.Printf("process %s created for asset %s\n", proc.ID, fetchAsset)

	// Ctrl-C terminates the process; the driver observes the signal on its
	// next poll and exits without persisting further.
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
		return eng.orch.RunNegotiation(ctx, orchestrator.NegotiationInput{
			ProcessID: proc.ID,
			BPN:       fetchBPN,
			Dataset:   *dataset,
		})
	}
	if err := eng.sup.RunWithDeadline(ctx, proc.ID, fetchTimeout, driver); err != nil {
		return fmt.Errorf("process %s did not complete: %w", proc.ID, err)
	}
	fmt.Printf("process %s completed\n", proc.ID)

	if fetchEndpoint == "" {
		return nil
	}

	token := fetchToken
	if token == "" {
		// Derive the retrieval token from the recorded negotiation, the way
		// the receiver endpoint expects it.
		if entry, err := eng.journal.Read(proc.ID, process.StepNegotiation); err == nil {
			token = passport.GenerateTransferID(entry.ID, fetchProvider)
		}
	}

	timeout := 30 * time.Second
	if t := eng.cfg.EDC.RequestTimeoutS; t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	artifact, err := passport.NewClient(timeout).Fetch(ctx, fetchEndpoint, token)
	if err != nil {
		return fmt.Errorf("retrieving passport: %w", err)
	}

	var pretty json.RawMessage = artifact
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		out = artifact
	}
	if fetchOutput != "" {
		if err := os.WriteFile(fetchOutput, out, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", fetchOutput, err)
		}
		fmt.Printf("passport written to %s\n", fetchOutput)
		return nil
	}
	fmt.Println(string(out))
	return nil
}
