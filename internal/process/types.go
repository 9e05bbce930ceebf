// Package process holds the engine's unit of work: the Process record, its
// state machine, the persisted history journal and the in-memory data model
// drivers consult for cooperative cancellation.
package process

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidState is returned when a caller attempts an illegal state
// transition. The process state is left unchanged.
var ErrInvalidState = errors.New("invalid state transition")

// ErrStorage is returned when the journal's underlying medium fails.
// Callers treat it as fatal to the process.
var ErrStorage = errors.New("storage error")

// ErrNotFound is returned when a process or journal step does not exist.
var ErrNotFound = errors.New("not found")

// State represents the lifecycle state of a process.
// Valid transitions:
//
//	CREATED    -> RUNNING, FAILED, TERMINATED
//	RUNNING    -> NEGOTIATED, FAILED, TERMINATED
//	NEGOTIATED -> COMPLETED, FAILED, TERMINATED
//	COMPLETED  -> (terminal)
//	FAILED     -> (terminal)
//	TERMINATED -> (terminal)
type State string

const (
	// StateCreated indicates the process exists but no driver has started.
	StateCreated State = "CREATED"
	// StateRunning indicates a negotiation driver is active.
	StateRunning State = "RUNNING"
	// StateNegotiated indicates the contract was agreed and a transfer may start.
	StateNegotiated State = "NEGOTIATED"
	// StateCompleted indicates the transfer finished successfully.
	StateCompleted State = "COMPLETED"
	// StateFailed indicates a driver recorded a failure.
	StateFailed State = "FAILED"
	// StateTerminated indicates the user cancelled the process.
	StateTerminated State = "TERMINATED"
)

// validTransitions defines the allowed state transitions. The key is the
// current state, the value is the set of valid target states. TERMINATED is
// reachable from every non-terminal state.
var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StateRunning:    true,
		StateFailed:     true,
		StateTerminated: true,
	},
	StateRunning: {
		StateNegotiated: true,
		StateFailed:     true,
		StateTerminated: true,
	},
	StateNegotiated: {
		StateCompleted:  true,
		StateFailed:     true,
		StateTerminated: true,
	},
	// Terminal states have no valid transitions
	StateCompleted:  {},
	StateFailed:     {},
	StateTerminated: {},
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized State value.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if the state is COMPLETED, FAILED or TERMINATED.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTerminated
}

// CanTransitionTo returns true if transitioning from the current state to
// the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// History step names written by the drivers. Registry fan-out steps are
// derived per endpoint via RegistryTransferStep.
const (
	StepNegotiationRequest = "negotiation-request"
	StepNegotiation        = "negotiation"
	StepNegotiationFailed  = "negotiation-failed"
	StepTransferRequest    = "transfer-request"
	StepTransfer           = "transfer"
	StepTransferFailed     = "transfer-failed"
	StepRegistryFailed     = "dtr-transfer-failed"
	StepTimeout            = "timeout"
)

// History status labels that are not remote state names.
const (
	StatusOK         = "OK"
	StatusFailed     = "FAILED"
	StatusIncomplete = "INCOMPLETE"
	StatusRequested  = "REQUESTED"
)

// RegistryTransferStep names the per-endpoint registry transfer step.
func RegistryTransferStep(endpointID string) string {
	return "dtr-" + endpointID + "-transfer"
}

// RegistryTransferIncompleteStep names the step recorded when a registry
// transfer terminates without completing.
func RegistryTransferIncompleteStep(endpointID string) string {
	return "dtr-" + endpointID + "-transfer-incomplete"
}

// History is one event in the process journal. ID names the object the
// event pertains to: a negotiation id, a transfer id or a process step.
type History struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Started int64  `json:"started"`
	Updated int64  `json:"updated"`
}

// JobHistory records one registry search job run against the process.
type JobHistory struct {
	JobID    string `json:"jobId"`
	SearchID string `json:"searchId"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
	Updated  int64  `json:"updated"`
}

// Process is the unit of work the engine owns: one user request tied to one
// negotiation and one transfer, plus the registry fan-out bookkeeping.
// Timestamps are epoch milliseconds. TreeState and Children belong to the
// tree-navigation feature and are carried opaquely.
type Process struct {
	ID       string `json:"id"`
	State    State  `json:"status"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
	Endpoint string `json:"endpoint"`
	BPN      string `json:"bpn"`

	TreeState string          `json:"treeState,omitempty"`
	Children  json.RawMessage `json:"children,omitempty"`

	Jobs    map[string]JobHistory `json:"jobs,omitempty"`
	History map[string]History    `json:"history,omitempty"`
}

// NewProcess creates a process in CREATED state with a fresh UUID.
func NewProcess(endpoint, bpn string) *Process {
	now := nowMillis()
	return &Process{
		ID:       uuid.New().String(),
		State:    StateCreated,
		Created:  now,
		Modified: now,
		Endpoint: endpoint,
		BPN:      bpn,
	}
}

// Clone returns a deep copy so callers never alias the store's record.
func (p *Process) Clone() *Process {
	clone := *p
	if p.Jobs != nil {
		clone.Jobs = maps.Clone(p.Jobs)
	}
	if p.History != nil {
		clone.History = maps.Clone(p.History)
	}
	if p.Children != nil {
		clone.Children = append(json.RawMessage(nil), p.Children...)
	}
	return &clone
}

// SetJob records a search job. Writes replace the jobs map rather than
// mutating it in place, so concurrent readers holding the old map never
// observe a partial write.
func (p *Process) SetJob(searchID string, job JobHistory) {
	jobs := make(map[string]JobHistory, len(p.Jobs)+1)
	maps.Copy(jobs, p.Jobs)
	jobs[searchID] = job
	p.Jobs = jobs
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
