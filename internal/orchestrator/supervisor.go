package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/process"
)

// Supervisor owns cancellation and deadlines for the drivers. Termination
// is cooperative: the supervisor flips the in-memory state and the driver
// observes it on its next poll iteration, within one interval plus one
// in-flight call.
type Supervisor struct {
	store *process.Store
	model *process.Model
}

// NewSupervisor creates a supervisor over the store and the model.
func NewSupervisor(store *process.Store, model *process.Model) *Supervisor {
	return &Supervisor{store: store, model: model}
}

// Terminate cancels a process: the in-memory model flips to TERMINATED so
// polling drivers stop, and the durable record follows. Terminating an
// already-terminal process is a no-op.
func (s *Supervisor) Terminate(processID string) error {
	if err := s.model.SignalTerminate(processID); err != nil && !errors.Is(err, process.ErrNotFound) {
		return err
	}
	if err := s.store.SetState(processID, process.StateTerminated); err != nil {
		if errors.Is(err, process.ErrInvalidState) {
			return nil // already terminal
		}
		return err
	}
	return nil
}

// RunWithDeadline runs a driver under an optional per-step deadline. On
// expiry the supervisor writes `timeout: FAILED`, forces the process to
// TERMINATED and waits for the driver to observe the signal and exit. A
// non-positive deadline runs the driver unsupervised.
func (s *Supervisor) RunWithDeadline(ctx context.Context, processID string, deadline time.Duration, driver func(context.Context) error) error {
	if deadline <= 0 {
		return driver(ctx)
	}

	done := make(chan error, 1)
	log.SafeGo("driver-"+processID, func() {
		done <- driver(ctx)
	})

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case err := <-done:
		return err

	case <-ctx.Done():
		if err := s.Terminate(processID); err != nil {
			log.ErrorErr(log.CatOrch, "terminating on context cancel", err, "process", processID)
		}
		<-done
		return ctx.Err()

	case <-timer.C:
		log.Warn(log.CatOrch, "step deadline expired", "process", processID, "deadline", deadline)
		// the history entry lands before the forced state change
		if err := s.store.SetStatus(processID, process.StepTimeout, process.History{ID: processID, Status: process.StatusFailed}); err != nil {
			log.ErrorErr(log.CatOrch, "recording timeout step", err, "process", processID)
		}
		if err := s.Terminate(processID); err != nil {
			log.ErrorErr(log.CatOrch, "terminating on deadline", err, "process", processID)
		}
		<-done
		return fmt.Errorf("process %s: %w", processID, ErrTimeout)
	}
}
