package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zjrosen/passport-consumer/internal/config"
	"github.com/zjrosen/passport-consumer/internal/edc"
	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/orchestrator"
	"github.com/zjrosen/passport-consumer/internal/process"
	"github.com/zjrosen/passport-consumer/internal/pubsub"
	"github.com/zjrosen/passport-consumer/internal/tracing"
	"github.com/zjrosen/passport-consumer/internal/vault"
)

// engine bundles the wired subsystems a command needs: the durable store,
// the orchestrator and the supervisor, plus the handles that have to be
// shut down on exit.
type engine struct {
	cfg     config.Config
	vault   *vault.Vault
	tracing *tracing.Provider
	broker  *pubsub.Broker[process.ProcessEvent]
	journal *process.Journal
	store   *process.Store
	model   *process.Model
	client  *edc.Client
	orch    *orchestrator.Orchestrator
	sup     *orchestrator.Supervisor

	closeLog func()
}

// newEngine validates the configuration and wires every subsystem from it.
// The caller owns the returned engine and must Close it.
func newEngine(cfg config.Config) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	closeLog := func() {}
	if cfg.LogFile != "" {
		cl, err := log.Init(cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("initializing log: %w", err)
		}
		closeLog = cl
	} else {
		log.InitWithWriter(os.Stderr)
	}
	if debugFlag || os.Getenv("PASSPORT_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}

	v, err := vault.Open(cfg.VaultFile)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening vault %s: %w", cfg.VaultFile, err)
	}
	if err := v.Watch(); err != nil {
		log.Warn(log.CatVault, "vault watch unavailable, secrets load once", "err", err)
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "passport-consumer",
	})
	if err != nil {
		_ = v.Close()
		closeLog()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	broker := pubsub.NewBroker[process.ProcessEvent]()
	journal := process.NewJournal(cfg.DataDir)
	store := process.NewStore(journal, broker)
	model := process.NewModel(broker)
	client := edc.New(cfg.EDC, v, cfg.CacheCatalog)
	orch := orchestrator.New(client, store, model, cfg.EDC, provider.Tracer())
	sup := orchestrator.NewSupervisor(store, model)

	return &engine{
		cfg:      cfg,
		vault:    v,
		tracing:  provider,
		broker:   broker,
		journal:  journal,
		store:    store,
		model:    model,
		client:   client,
		orch:     orch,
		sup:      sup,
		closeLog: closeLog,
	}, nil
}

// checkConnection verifies the management plane answers and the vault holds
// a usable identity before any driver starts.
func (e *engine) checkConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	bpn, err := e.client.ParticipantID(ctx)
	if err != nil {
		return fmt.Errorf("management plane check failed: %w", err)
	}
	log.Info(log.CatEDC, "connected to management plane", "participant", bpn)
	return nil
}

func (e *engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "tracing shutdown", err)
	}
	e.broker.Close()
	if err := e.vault.Close(); err != nil {
		log.ErrorErr(log.CatVault, "closing vault", err)
	}
	if e.closeLog != nil {
		e.closeLog()
	}
}
