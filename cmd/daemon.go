package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/process"
	"github.com/zjrosen/passport-consumer/internal/pubsub"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the consumer engine and tail process events",
	Long: `Starts the orchestration engine, verifies the management-plane
connection and tails process lifecycle events to stdout until
interrupted. Drivers started by other commands against the same data
directory publish their state changes here.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
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

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	listener := pubsub.NewContinuousListener(ctx, eng.broker)
	fmt.Printf("passport-consumer %s ready, data dir %s\n", version, eng.cfg.DataDir)

	for {
		select {
		case sig := <-sigs:
			log.Info(log.CatOrch, "shutting down", "signal", sig.String())
			fmt.Println("shutting down")
			return nil

		case event, ok := <-listener.Events():
			if !ok {
				return nil
			}
			printEvent(event)
		}
	}
}

func printEvent(event pubsub.Event[process.ProcessEvent]) {
	p := event.Payload
	switch event.Type {
	case pubsub.StepEvent:
		fmt.Printf("[%s] process %s step %s -> %s\n", event.Type, p.ProcessID, p.Step, p.Status)
	default:
		fmt.Printf("[%s] process %s state %s\n", event.Type, p.ProcessID, p.State)
	}
}
