package process

import (
	"fmt"
	"sync"

	"github.com/zjrosen/passport-consumer/internal/edc"
	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/pubsub"
)

// ProcessEvent is published on every store mutation so CLI consumers can
// follow a process live.
type ProcessEvent struct {
	ProcessID string
	State     State
	Step      string
	Status    string
}

// requestRecord is the persisted artefact pairing an outgoing request with
// the id the counterparty assigned to it.
type requestRecord struct {
	Request  any            `json:"request"`
	Response edc.IdResponse `json:"response"`
}

// Store owns the in-memory process records and their persistence. Every
// mutation is a composite of a journal write and an in-memory update: the
// journal is written first, and the in-memory record is only replaced once
// every write succeeded, so a storage failure leaves both sides unchanged
// and surfaces ErrStorage.
type Store struct {
	journal *Journal
	broker  *pubsub.Broker[ProcessEvent]

	mu        sync.RWMutex
	processes map[string]*Process
}

// NewStore creates a store over the given journal. The broker may be nil
// when no one listens.
func NewStore(journal *Journal, broker *pubsub.Broker[ProcessEvent]) *Store {
	return &Store{
		journal:   journal,
		broker:    broker,
		processes: make(map[string]*Process),
	}
}

// Create registers a new process in CREATED state and persists it.
func (s *Store) Create(endpoint, bpn string) (*Process, error) {
	p := NewProcess(endpoint, bpn)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.journal.WriteProcess(p); err != nil {
		return nil, err
	}
	s.processes[p.ID] = p

	log.Info(log.CatProcess, "process created", "process", p.ID, "endpoint", endpoint, "bpn", bpn)
	s.publish(pubsub.CreatedEvent, ProcessEvent{ProcessID: p.ID, State: p.State})
	return p.Clone(), nil
}

// Get returns a copy of the process. A process absent from memory is
// rehydrated from disk: `process.json` plus a journal replay, which is the
// source of truth for history.
func (s *Store) Get(id string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (s *Store) getLocked(id string) (*Process, error) {
	if p, ok := s.processes[id]; ok {
		return p, nil
	}

	p, err := s.journal.ReadProcess(id)
	if err != nil {
		return nil, err
	}
	history, err := s.journal.Replay(id)
	if err != nil {
		return nil, err
	}
	if history != nil {
		p.History = history
	}

	s.processes[id] = p
	log.Debug(log.CatProcess, "process rehydrated from disk", "process", id, "state", p.State)
	return p, nil
}

// SetStatus appends a history entry for a step and folds it into the
// process record. The journal entry is durable before the updated record
// becomes observable to readers.
func (s *Store) SetStatus(id, step string, entry History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, step, entry)
}

func (s *Store) setStatusLocked(id, step string, entry History) error {
	current, err := s.getLocked(id)
	if err != nil {
		return err
	}

	stored, err := s.journal.Append(id, step, entry)
	if err != nil {
		return err
	}

	updated := current.Clone()
	if updated.History == nil {
		updated.History = make(map[string]History, 1)
	}
	updated.History[step] = stored
	updated.Modified = stored.Updated

	if err := s.journal.WriteProcess(updated); err != nil {
		return err
	}
	s.processes[id] = updated

	s.publish(pubsub.StepEvent, ProcessEvent{
		ProcessID: id, State: updated.State, Step: step, Status: stored.Status,
	})
	return nil
}

// SetState transitions the process. Illegal transitions are rejected with
// ErrInvalidState and leave the record untouched.
func (s *Store) SetState(id string, target State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if !current.State.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s for process %s", ErrInvalidState, current.State, target, id)
	}

	updated := current.Clone()
	updated.State = target
	updated.Modified = nowMillis()

	if err := s.journal.WriteProcess(updated); err != nil {
		return err
	}
	s.processes[id] = updated

	log.Info(log.CatProcess, "process state changed", "process", id, "state", target)
	s.publish(pubsub.StateEvent, ProcessEvent{ProcessID: id, State: target})
	return nil
}

// SetJob records a registry search job on the process.
func (s *Store) SetJob(id, searchID string, job JobHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getLocked(id)
	if err != nil {
		return err
	}

	updated := current.Clone()
	updated.SetJob(searchID, job)
	updated.Modified = nowMillis()

	if err := s.journal.WriteProcess(updated); err != nil {
		return err
	}
	s.processes[id] = updated
	return nil
}

// SaveNegotiationRequest persists an outgoing negotiation request together
// with the id response it produced. Callers first save with a placeholder
// response (id = processID), then again with the remote-assigned id.
func (s *Store) SaveNegotiationRequest(id string, req edc.NegotiationRequest, resp edc.IdResponse, isRegistry bool) error {
	step := namespaced(StepNegotiationRequest, isRegistry)
	return s.save(id, step, requestRecord{Request: req, Response: resp},
		History{ID: resp.ID, Status: StatusRequested})
}

// SaveNegotiation persists a remote-observed negotiation; the history
// status is the remote state verbatim.
func (s *Store) SaveNegotiation(id string, neg edc.Negotiation, isRegistry bool) error {
	step := namespaced(StepNegotiation, isRegistry)
	return s.save(id, step, neg, History{ID: neg.ID, Status: string(neg.State)})
}

// SaveTransferRequest persists an outgoing transfer request and its id
// response, placeholder-then-remote like SaveNegotiationRequest.
func (s *Store) SaveTransferRequest(id string, req edc.TransferRequest, resp edc.IdResponse, isRegistry bool) error {
	step := namespaced(StepTransferRequest, isRegistry)
	return s.save(id, step, requestRecord{Request: req, Response: resp},
		History{ID: resp.ID, Status: StatusRequested})
}

// SaveTransfer persists a remote-observed transfer.
func (s *Store) SaveTransfer(id string, t edc.Transfer, isRegistry bool) error {
	step := namespaced(StepTransfer, isRegistry)
	return s.save(id, step, t, History{ID: t.ID, Status: string(t.State)})
}

// SaveRegistryTransferRequest is the fan-out variant of SaveTransferRequest:
// each registry endpoint persists under its own step so concurrent workers
// never collide.
func (s *Store) SaveRegistryTransferRequest(id, endpointID string, req edc.TransferRequest, resp edc.IdResponse) error {
	step := RegistryStep(RegistryTransferStep(endpointID) + "-request")
	return s.save(id, step, requestRecord{Request: req, Response: resp},
		History{ID: resp.ID, Status: StatusRequested})
}

// SaveRegistryTransfer persists a remote-observed registry transfer under
// its endpoint's step.
func (s *Store) SaveRegistryTransfer(id, endpointID string, t edc.Transfer) error {
	step := RegistryStep(RegistryTransferStep(endpointID))
	return s.save(id, step, t, History{ID: t.ID, Status: string(t.State)})
}

// save writes the artefact, then records the history entry. Both go through
// the journal, so either failure surfaces ErrStorage with the in-memory
// record unchanged.
func (s *Store) save(id, step string, artefact any, entry History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(id); err != nil {
		return err
	}
	if err := s.journal.WriteArtifact(id, step, artefact); err != nil {
		return err
	}
	return s.setStatusLocked(id, step, entry)
}

func (s *Store) publish(eventType pubsub.EventType, event ProcessEvent) {
	if s.broker != nil {
		s.broker.Publish(eventType, event)
	}
}

func namespaced(step string, isRegistry bool) string {
	if isRegistry {
		return RegistryStep(step)
	}
	return step
}
