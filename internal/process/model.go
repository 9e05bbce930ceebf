package process

import (
	"fmt"
	"sync"

	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/pubsub"
)

// DriverKind identifies the driver slot a worker occupies. At most one
// driver of each kind may be active per process.
type DriverKind string

const (
	DriverNegotiation DriverKind = "negotiation"
	DriverTransfer    DriverKind = "transfer"
)

// modelEntry is the in-memory view of one process: its current state and
// which driver slots are occupied.
type modelEntry struct {
	state   State
	drivers map[DriverKind]bool
}

// Model is the engine-wide in-memory data model: processID to current state
// plus driver bookkeeping. Drivers consult it on every poll iteration for
// cooperative cancellation; it is deliberately decoupled from the durable
// store so a terminate signal needs no disk round trip.
type Model struct {
	broker *pubsub.Broker[ProcessEvent]

	mu      sync.Mutex
	entries map[string]*modelEntry
}

// NewModel creates an empty data model. The broker may be nil.
func NewModel(broker *pubsub.Broker[ProcessEvent]) *Model {
	return &Model{
		broker:  broker,
		entries: make(map[string]*modelEntry),
	}
}

// Register adds a process in CREATED state. Registering an existing id is
// an error.
func (m *Model) Register(processID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[processID]; exists {
		return fmt.Errorf("process %s already registered", processID)
	}
	m.entries[processID] = &modelEntry{
		state:   StateCreated,
		drivers: make(map[DriverKind]bool),
	}
	return nil
}

// SetState moves the process forward. Illegal transitions are rejected
// with ErrInvalidState; a transition to the current state is a no-op.
func (m *Model) SetState(processID string, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.getLocked(processID)
	if err != nil {
		return err
	}
	if entry.state == target {
		return nil
	}
	if !entry.state.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s for process %s", ErrInvalidState, entry.state, target, processID)
	}
	entry.state = target
	return nil
}

// GetState returns the process's current in-memory state.
func (m *Model) GetState(processID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.getLocked(processID)
	if err != nil {
		return "", err
	}
	return entry.state, nil
}

// Attach occupies a driver slot for the process and returns its release
// function. A second attach of the same kind while the first is held is an
// error, which keeps at most one active driver of each kind per process.
func (m *Model) Attach(processID string, kind DriverKind) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.getLocked(processID)
	if err != nil {
		return nil, err
	}
	if entry.drivers[kind] {
		return nil, fmt.Errorf("process %s already has an active %s driver", processID, kind)
	}
	entry.drivers[kind] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			entry.drivers[kind] = false
		})
	}
	return release, nil
}

// SignalTerminate marks the process TERMINATED. Drivers observe it through
// Aborted on their next poll iteration. Terminating an already-terminal
// process is a no-op.
func (m *Model) SignalTerminate(processID string) error {
	m.mu.Lock()

	entry, err := m.getLocked(processID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if entry.state.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	entry.state = StateTerminated
	m.mu.Unlock()

	log.Info(log.CatProcess, "terminate signalled", "process", processID)
	if m.broker != nil {
		m.broker.Publish(pubsub.TerminatedEvent, ProcessEvent{ProcessID: processID, State: StateTerminated})
	}
	return nil
}

// Aborted reports whether the process was terminated. Unknown processes
// read as aborted so an orphaned driver stops polling.
func (m *Model) Aborted(processID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[processID]
	if !ok {
		return true
	}
	return entry.state == StateTerminated
}

func (m *Model) getLocked(processID string) (*modelEntry, error) {
	entry, ok := m.entries[processID]
	if !ok {
		return nil, fmt.Errorf("%w: process %s not registered", ErrNotFound, processID)
	}
	return entry, nil
}
