// Package orchestrator contains the drivers that move a process through
// contract negotiation and data transfer, plus the supervisor that imposes
// cancellation and deadlines on them. Drivers record failures in the
// journal, transition the process and return; they never leave a process in
// a non-terminal state behind an error.
package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/passport-consumer/internal/config"
	"github.com/zjrosen/passport-consumer/internal/edc"
	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/process"
)

// ErrNegotiationFailed is returned when the remote negotiation state
// machine ended in a terminal-failure state.
var ErrNegotiationFailed = errors.New("negotiation failed")

// ErrTransferFailed is returned when the remote transfer state machine
// ended in a terminal-failure state.
var ErrTransferFailed = errors.New("transfer failed")

// ErrAborted is returned when a driver observed a terminate signal and
// exited without persisting further remote state.
var ErrAborted = errors.New("driver aborted")

// ErrTimeout is returned by the supervisor when a step deadline expired and
// the process was forced to TERMINATED.
var ErrTimeout = errors.New("step deadline exceeded")

// transferProtocol and the transfer envelope constants mirror what the
// counterparty's management plane expects.
const (
	transferProtocol        = "dataspace-protocol-http"
	transferDestinationType = "HttpProxy"
	transferContentType     = "application/octet-stream"
)

// Orchestrator wires the drivers to their dependencies. Each driver is a
// free-standing task over the protocol client, the durable store and the
// in-memory model; nothing else reaches into it.
type Orchestrator struct {
	client *edc.Client
	store  *process.Store
	model  *process.Model
	cfg    config.EDCConfig
	tracer trace.Tracer
}

// New creates an orchestrator. A nil tracer disables span emission.
func New(client *edc.Client, store *process.Store, model *process.Model, cfg config.EDCConfig, tracer trace.Tracer) *Orchestrator {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Orchestrator{
		client: client,
		store:  store,
		model:  model,
		cfg:    cfg,
		tracer: tracer,
	}
}

// transition moves the process forward in the store and mirrors the state
// into the model. The store is authoritative; a model that raced with a
// terminate signal is only logged.
func (o *Orchestrator) transition(processID string, target process.State) error {
	if err := o.store.SetState(processID, target); err != nil {
		return err
	}
	if err := o.model.SetState(processID, target); err != nil {
		log.Warn(log.CatOrch, "model state lagging store",
			"process", processID, "target", target, "error", err.Error())
	}
	return nil
}

// fail records the failing step, marks the process FAILED and wraps the
// cause. The history entry lands before the state change is observable.
func (o *Orchestrator) fail(processID, step, refID string, cause error) error {
	if refID == "" {
		refID = processID
	}
	if err := o.store.SetStatus(processID, step, process.History{ID: refID, Status: process.StatusFailed}); err != nil {
		log.ErrorErr(log.CatOrch, "recording failure step", err, "process", processID, "step", step)
	}
	if err := o.transition(processID, process.StateFailed); err != nil {
		log.ErrorErr(log.CatOrch, "marking process failed", err, "process", processID)
	}
	log.ErrorErr(log.CatOrch, "driver failed", cause, "process", processID, "step", step)
	return fmt.Errorf("%s for process %s: %w", step, processID, cause)
}

// receiverEndpoint joins the configured callback base with path segments.
func (o *Orchestrator) receiverEndpoint(segments ...string) string {
	return strings.TrimRight(o.cfg.ReceiverEndpoint, "/") + "/" + strings.Join(segments, "/")
}

// abortFor builds the abort predicate a driver hands to the polling loop:
// stop when the process was terminated or a previous observation failed to
// persist.
func (o *Orchestrator) abortFor(processID string, observeErr *error) edc.AbortCheck {
	return func() bool {
		return *observeErr != nil || o.model.Aborted(processID)
	}
}
