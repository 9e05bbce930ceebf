package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/passport-consumer/internal/config"
	"github.com/zjrosen/passport-consumer/internal/edc"
	"github.com/zjrosen/passport-consumer/internal/process"
)

// malformed marks a poll response that omits edc:state.
const malformed = "<malformed>"

// fakeTransfer scripts one transfer process on the fake plane.
type fakeTransfer struct {
	id     string
	states []string
}

// fakePlane is a scripted management plane. Negotiations always get id
// neg-1; transfers are assigned from the scripted queue in POST order.
type fakePlane struct {
	mu sync.Mutex

	catalog         string
	catalogRequests int

	negotiationStates    []string
	negotiationAgreement string
	negotiationPolls     int
	negotiationStarts    int

	transferQueue  []fakeTransfer
	transferStates map[string][]string
	transferPolls  map[string]int
	transferStarts int

	server *httptest.Server
}

func newFakePlane(t *testing.T) *fakePlane {
	t.Helper()
	p := &fakePlane{
		transferStates: make(map[string][]string),
		transferPolls:  make(map[string]int),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePlane) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/management/v2")
	switch {
	case r.Method == http.MethodPost && path == "/catalog/request":
		p.catalogRequests++
		fmt.Fprint(w, p.catalog)

	case r.Method == http.MethodPost && path == "/contractnegotiations":
		p.negotiationStarts++
		fmt.Fprint(w, `{"@id": "neg-1"}`)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/contractnegotiations/"):
		idx := p.negotiationPolls
		if idx >= len(p.negotiationStates) {
			idx = len(p.negotiationStates) - 1
		}
		p.negotiationPolls++
		state := p.negotiationStates[idx]
		if state == malformed {
			fmt.Fprint(w, `{"@id": "neg-1"}`)
			return
		}
		body := map[string]string{"@id": "neg-1", "edc:state": state}
		if edc.NegotiationState(state).Succeeded() {
			body["edc:contractAgreementId"] = p.negotiationAgreement
		}
		_ = json.NewEncoder(w).Encode(body)

	case r.Method == http.MethodPost && path == "/transferprocesses":
		p.transferStarts++
		next := p.transferQueue[0]
		p.transferQueue = p.transferQueue[1:]
		p.transferStates[next.id] = next.states
		fmt.Fprintf(w, `{"@id": %q}`, next.id)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/transferprocesses/"):
		id := strings.TrimPrefix(path, "/transferprocesses/")
		idx := p.transferPolls[id]
		states := p.transferStates[id]
		if idx >= len(states) {
			idx = len(states) - 1
		}
		p.transferPolls[id]++
		state := states[idx]
		if state == malformed {
			fmt.Fprintf(w, `{"@id": %q}`, id)
			return
		}
		fmt.Fprintf(w, `{"@id": %q, "edc:state": %q}`, id, state)

	default:
		http.NotFound(w, r)
	}
}

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(key string) (string, error) { return s[key], nil }

type harness struct {
	orch    *Orchestrator
	store   *process.Store
	model   *process.Model
	journal *process.Journal
	sup     *Supervisor
}

func newHarness(t *testing.T, plane *fakePlane) *harness {
	t.Helper()
	cfg := config.EDCConfig{
		Endpoint:         plane.server.URL,
		Management:       "/management/v2",
		Catalog:          "/catalog/request",
		Negotiation:      "/contractnegotiations",
		Transfer:         "/transferprocesses",
		ReceiverEndpoint: "https://consumer/callback",
		DelayMS:          5,
		RequestTimeoutS:  5,
	}
	client := edc.New(cfg, staticSecrets{"edc.apiKey": "k"}, false)
	journal := process.NewJournal(t.TempDir())
	store := process.NewStore(journal, nil)
	model := process.NewModel(nil)
	return &harness{
		orch:    New(client, store, model, cfg, nil),
		store:   store,
		model:   model,
		journal: journal,
		sup:     NewSupervisor(store, model),
	}
}

func (h *harness) createProcess(t *testing.T) *process.Process {
	t.Helper()
	p, err := h.store.Create("https://prov/api", "BPNL000TEST")
	require.NoError(t, err)
	require.NoError(t, h.model.Register(p.ID))
	return p
}

func testDataset(t *testing.T) edc.Dataset {
	t.Helper()
	var dataset edc.Dataset
	require.NoError(t, json.Unmarshal([]byte(`{
		"edc:id": "urn:uuid:a1",
		"odrl:hasPolicy": {"@id": "pol-1", "odrl:permission": []}
	}`), &dataset))
	return dataset
}

func TestHappyPath(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"REQUESTED", "NEGOTIATING", "CONFIRMED"}
	plane.negotiationAgreement = "agr-1"
	plane.transferQueue = []fakeTransfer{{id: "trf-1", states: []string{"REQUESTED", "STARTED", "STARTED", "STARTED", "COMPLETED"}}}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	})
	require.NoError(t, err)

	final, err := h.store.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, process.StateCompleted, final.State)

	negotiation := final.History[process.StepNegotiation]
	require.Equal(t, "CONFIRMED", negotiation.Status)
	require.Equal(t, "neg-1", negotiation.ID)

	transfer := final.History[process.StepTransfer]
	require.Equal(t, "COMPLETED", transfer.Status)
	require.Equal(t, "trf-1", transfer.ID)

	// negotiation terminal persistence happens-before transfer persistence
	require.LessOrEqual(t, negotiation.Started, transfer.Started)
}

func TestNegotiationFailure(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"REQUESTED", "TERMINATED"}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	})
	require.ErrorIs(t, err, ErrNegotiationFailed)

	final, err := h.store.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, process.StateFailed, final.State)
	require.Equal(t, process.StatusFailed, final.History[process.StepNegotiationFailed].Status)

	// no transfer was ever issued
	require.Zero(t, plane.transferStarts)
	require.NotContains(t, final.History, process.StepTransferRequest)
}

func TestTransferFailure(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"CONFIRMED"}
	plane.negotiationAgreement = "agr-1"
	plane.transferQueue = []fakeTransfer{{id: "trf-1", states: []string{"REQUESTED", "ERROR"}}}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	})
	require.ErrorIs(t, err, ErrTransferFailed)

	final, err := h.store.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, process.StateFailed, final.State)
	require.Equal(t, process.StatusFailed, final.History[process.StepTransferFailed].Status)

	// the negotiation entry is preserved
	require.Equal(t, "CONFIRMED", final.History[process.StepNegotiation].Status)
}

func TestUserCancelMidNegotiation(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"REQUESTED"} // never terminal

	h := newHarness(t, plane)
	p := h.createProcess(t)

	done := make(chan error, 1)
	go func() {
		done <- h.orch.RunNegotiation(context.Background(), NegotiationInput{
			ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
		})
	}()

	// let the driver complete at least one poll before cancelling
	require.Eventually(t, func() bool {
		plane.mu.Lock()
		defer plane.mu.Unlock()
		return plane.negotiationPolls >= 1
	}, time.Second, time.Millisecond)
	require.NoError(t, h.sup.Terminate(p.ID))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("driver did not honor the terminate signal")
	}

	final, err := h.store.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, process.StateTerminated, final.State)
	require.Zero(t, plane.transferStarts)

	// the last persisted negotiation entry reflects the last observed state
	require.Equal(t, "REQUESTED", final.History[process.StepNegotiation].Status)
}

func TestRegistryFanOut(t *testing.T) {
	plane := newFakePlane(t)
	plane.transferQueue = []fakeTransfer{
		{id: "trf-r1", states: []string{"REQUESTED", "COMPLETED"}},
		{id: "trf-r2", states: []string{"REQUESTED", "TERMINATED"}},
		{id: "trf-r3", states: []string{"COMPLETED"}},
	}

	h := newHarness(t, plane)
	p := h.createProcess(t)
	require.NoError(t, h.store.SetState(p.ID, process.StateRunning))
	require.NoError(t, h.model.SetState(p.ID, process.StateRunning))

	negotiation := edc.Negotiation{ID: "neg-1", State: edc.NegotiationConfirmed, ContractAgreementID: "agr-1"}
	for _, endpointID := range []string{"r1", "r2", "r3"} {
		err := h.orch.RunRegistryTransfer(context.Background(), RegistryTransferInput{
			ProcessID: p.ID, BPN: p.BPN, EndpointID: endpointID,
			Dataset: testDataset(t), Negotiation: negotiation,
		})
		require.NoError(t, err)
	}

	final, err := h.store.Get(p.ID)
	require.NoError(t, err)
	// the registry fan-out never drives the process state
	require.Equal(t, process.StateRunning, final.State)

	require.Equal(t, process.StatusOK,
		final.History[process.RegistryStep(process.RegistryTransferStep("r1"))].Status)
	require.Equal(t, process.StatusIncomplete,
		final.History[process.RegistryStep(process.RegistryTransferIncompleteStep("r2"))].Status)
	require.Equal(t, process.StatusOK,
		final.History[process.RegistryStep(process.RegistryTransferStep("r3"))].Status)
}

func TestRegistryTransfersRunConcurrently(t *testing.T) {
	plane := newFakePlane(t)
	plane.transferQueue = []fakeTransfer{
		{id: "trf-a", states: []string{"REQUESTED", "REQUESTED", "COMPLETED"}},
		{id: "trf-b", states: []string{"REQUESTED", "REQUESTED", "COMPLETED"}},
	}

	h := newHarness(t, plane)
	p := h.createProcess(t)
	require.NoError(t, h.store.SetState(p.ID, process.StateRunning))

	negotiation := edc.Negotiation{ID: "neg-1", State: edc.NegotiationConfirmed, ContractAgreementID: "agr-1"}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, endpointID := range []string{"ep1", "ep2"} {
		i, endpointID := i, endpointID
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.orch.RunRegistryTransfer(context.Background(), RegistryTransferInput{
				ProcessID: p.ID, BPN: p.BPN, EndpointID: endpointID,
				Dataset: testDataset(t), Negotiation: negotiation,
			})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	steps, err := h.journal.ListSteps(p.ID)
	require.NoError(t, err)
	require.Contains(t, steps, "registry/dtr-ep1-transfer")
	require.Contains(t, steps, "registry/dtr-ep2-transfer")
}

func TestRegistrySearchFanOut(t *testing.T) {
	plane := newFakePlane(t)
	plane.catalog = `{
		"@id": "cat-1",
		"edc:participantId": "BPNL000PROV",
		"dcat:dataset": [
			{"edc:id": "dtr-a", "odrl:hasPolicy": {"@id": "pol-1", "odrl:permission": []}},
			{"edc:id": "dtr-b", "odrl:hasPolicy": {"@id": "pol-2", "odrl:permission": []}}
		]
	}`
	plane.negotiationStates = []string{"REQUESTED", "FINALIZED"}
	plane.negotiationAgreement = "agr-1"
	// identical scripts keep the FIFO id assignment deterministic under
	// concurrent workers
	plane.transferQueue = []fakeTransfer{
		{id: "trf-a", states: []string{"REQUESTED", "COMPLETED"}},
		{id: "trf-b", states: []string{"REQUESTED", "COMPLETED"}},
	}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunRegistrySearch(context.Background(), RegistrySearchInput{
		ProcessID: p.ID, BPN: p.BPN, SearchID: "search-1",
	})
	require.NoError(t, err)

	final, err := h.store.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, process.StateNegotiated, final.State)
	require.Equal(t, process.StatusOK, final.Jobs["search-1"].Status)

	// the registry negotiation persisted in its own namespace
	require.Equal(t, "FINALIZED",
		final.History[process.RegistryStep(process.StepNegotiation)].Status)
	require.Equal(t, process.StatusOK,
		final.History[process.RegistryStep(process.RegistryTransferStep("dtr-a"))].Status)
	require.Equal(t, process.StatusOK,
		final.History[process.RegistryStep(process.RegistryTransferStep("dtr-b"))].Status)
}

func TestRegistrySearchWithoutDatasetsFails(t *testing.T) {
	plane := newFakePlane(t)
	plane.catalog = `{"@id": "cat-1", "edc:participantId": "BPNL000PROV"}`

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunRegistrySearch(context.Background(), RegistrySearchInput{
		ProcessID: p.ID, BPN: p.BPN, SearchID: "search-1",
	})
	require.ErrorIs(t, err, ErrNegotiationFailed)

	final, getErr := h.store.Get(p.ID)
	require.NoError(t, getErr)
	require.Equal(t, process.StateFailed, final.State)
	require.Zero(t, plane.negotiationStarts)
}

func TestMalformedPollResponse(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"REQUESTED", malformed}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	})
	require.ErrorIs(t, err, edc.ErrProtocol)

	final, getErr := h.store.Get(p.ID)
	require.NoError(t, getErr)
	require.Equal(t, process.StateFailed, final.State)

	// the loop stopped on the malformed response
	plane.mu.Lock()
	polls := plane.negotiationPolls
	plane.mu.Unlock()
	require.Equal(t, 2, polls)
}

func TestNegotiationWithoutAgreementIDFails(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"CONFIRMED"}
	plane.negotiationAgreement = "" // succeeded but no agreement id

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	})
	require.ErrorIs(t, err, edc.ErrProtocol)

	final, getErr := h.store.Get(p.ID)
	require.NoError(t, getErr)
	require.Equal(t, process.StateFailed, final.State)
	require.Zero(t, plane.transferStarts)
}

func TestOneNegotiationDriverPerProcess(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"REQUESTED"}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	done := make(chan error, 1)
	go func() {
		done <- h.orch.RunNegotiation(context.Background(), NegotiationInput{
			ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
		})
	}()

	require.Eventually(t, func() bool {
		plane.mu.Lock()
		defer plane.mu.Unlock()
		return plane.negotiationPolls >= 1
	}, time.Second, time.Millisecond)

	// the slot is held for the whole run
	err := h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	})
	require.Error(t, err)

	require.NoError(t, h.sup.Terminate(p.ID))
	require.ErrorIs(t, <-done, ErrAborted)
}

func TestSupervisorDeadline(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"REQUESTED"} // never terminal

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.sup.RunWithDeadline(context.Background(), p.ID, 50*time.Millisecond, func(ctx context.Context) error {
		return h.orch.RunNegotiation(ctx, NegotiationInput{
			ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
		})
	})
	require.ErrorIs(t, err, ErrTimeout)

	final, getErr := h.store.Get(p.ID)
	require.NoError(t, getErr)
	require.Equal(t, process.StateTerminated, final.State)
	require.Equal(t, process.StatusFailed, final.History[process.StepTimeout].Status)
}

func TestSupervisorWithoutDeadlineRunsInline(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"CONFIRMED"}
	plane.negotiationAgreement = "agr-1"
	plane.transferQueue = []fakeTransfer{{id: "trf-1", states: []string{"COMPLETED"}}}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	err := h.sup.RunWithDeadline(context.Background(), p.ID, 0, func(ctx context.Context) error {
		return h.orch.RunNegotiation(ctx, NegotiationInput{
			ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
		})
	})
	require.NoError(t, err)

	final, getErr := h.store.Get(p.ID)
	require.NoError(t, getErr)
	require.Equal(t, process.StateCompleted, final.State)
}

func TestJournalReplayAfterRun(t *testing.T) {
	plane := newFakePlane(t)
	plane.negotiationStates = []string{"CONFIRMED"}
	plane.negotiationAgreement = "agr-1"
	plane.transferQueue = []fakeTransfer{{id: "trf-1", states: []string{"COMPLETED"}}}

	h := newHarness(t, plane)
	p := h.createProcess(t)

	require.NoError(t, h.orch.RunNegotiation(context.Background(), NegotiationInput{
		ProcessID: p.ID, BPN: p.BPN, Dataset: testDataset(t),
	}))

	inMemory, err := h.store.Get(p.ID)
	require.NoError(t, err)

	// a fresh store over the same journal reproduces the process exactly
	reloaded, err := process.NewStore(h.journal, nil).Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, inMemory, reloaded)
}
