package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/passport-consumer/internal/edc"
	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/process"
	"github.com/zjrosen/passport-consumer/internal/tracing"
)

// RegistryTransferInput identifies one registry endpoint's transfer within
// a process's fan-out.
type RegistryTransferInput struct {
	ProcessID   string
	BPN         string
	EndpointID  string
	Dataset     edc.Dataset
	Negotiation edc.Negotiation
}

// RunRegistryTransfer fetches one digital twin registry for a process. It
// is the fan-out variant of the transfer driver: many may run concurrently
// for the same process, each persisting under its endpoint's own step, and
// none of them drives the process state. A registry that terminates is
// recorded INCOMPLETE rather than failing the process, because the other
// endpoints may still succeed.
func (o *Orchestrator) RunRegistryTransfer(ctx context.Context, in RegistryTransferInput) error {
	ctx, span := o.tracer.Start(ctx, tracing.SpanRegistryTransfer, trace.WithAttributes(
		attribute.String(tracing.AttrProcessID, in.ProcessID),
		attribute.String(tracing.AttrEndpointID, in.EndpointID),
		attribute.String(tracing.AttrContractID, in.Negotiation.ContractAgreementID),
	))
	defer span.End()

	if in.Negotiation.ContractAgreementID == "" {
		return o.failRegistry(in.ProcessID, in.EndpointID, "",
			fmt.Errorf("%w: no contract agreement id", ErrTransferFailed))
	}

	status, err := o.store.Get(in.ProcessID)
	if err != nil {
		return err
	}

	request := edc.TransferRequest{
		Context:             edc.OdrlContext,
		AssetID:             in.Dataset.AssetID,
		CounterPartyAddress: status.Endpoint,
		CounterPartyID:      in.BPN,
		ContractID:          in.Negotiation.ContractAgreementID,
		DataDestination:     edc.DataDestination{Type: transferDestinationType},
		ManagedResources:    false,
		PrivateProperties: edc.PrivateProperties{
			// second path segment lets the callback handler demultiplex
			// parallel registry fetches for the same process
			ReceiverHTTPEndpoint: o.receiverEndpoint(in.ProcessID, in.EndpointID),
		},
		Protocol: transferProtocol,
		TransferType: edc.TransferType{
			ContentType: transferContentType,
			IsFinite:    true,
		},
	}

	if err := o.store.SaveRegistryTransferRequest(in.ProcessID, in.EndpointID, request, edc.IdResponse{ID: in.ProcessID}); err != nil {
		return o.failRegistry(in.ProcessID, in.EndpointID, "", err)
	}

	response, err := o.client.StartTransfer(ctx, request)
	if err != nil {
		return o.failRegistry(in.ProcessID, in.EndpointID, "", err)
	}
	span.SetAttributes(attribute.String(tracing.AttrTransferID, response.ID))

	if err := o.store.SaveRegistryTransferRequest(in.ProcessID, in.EndpointID, request, response); err != nil {
		return o.failRegistry(in.ProcessID, in.EndpointID, response.ID, err)
	}

	var observeErr error
	result, err := o.client.PollTransfer(ctx, response.ID, o.abortFor(in.ProcessID, &observeErr),
		func(t edc.Transfer) {
			span.AddEvent(tracing.EventStateChanged, trace.WithAttributes(
				attribute.String(tracing.AttrRemoteState, string(t.State))))
			if err := o.store.SaveRegistryTransfer(in.ProcessID, in.EndpointID, t); err != nil && observeErr == nil {
				observeErr = err
			}
		})
	if err != nil {
		return o.failRegistry(in.ProcessID, in.EndpointID, response.ID, err)
	}
	if observeErr != nil {
		return o.failRegistry(in.ProcessID, in.EndpointID, response.ID, observeErr)
	}
	if result.Aborted {
		span.AddEvent(tracing.EventAborted)
		return fmt.Errorf("registry transfer %s for process %s: %w", in.EndpointID, in.ProcessID, ErrAborted)
	}

	transfer := *result.Value
	if err := o.store.SaveRegistryTransfer(in.ProcessID, in.EndpointID, transfer); err != nil {
		return o.failRegistry(in.ProcessID, in.EndpointID, transfer.ID, err)
	}

	switch {
	case transfer.State.Succeeded():
		step := process.RegistryStep(process.RegistryTransferStep(in.EndpointID))
		if err := o.store.SetStatus(in.ProcessID, step, process.History{ID: transfer.ID, Status: process.StatusOK}); err != nil {
			return o.failRegistry(in.ProcessID, in.EndpointID, transfer.ID, err)
		}
		log.Info(log.CatOrch, "registry transfer completed",
			"process", in.ProcessID, "endpoint", in.EndpointID, "transfer", transfer.ID)
		return nil

	case transfer.State == edc.TransferTerminated:
		// other registry endpoints may still succeed
		step := process.RegistryStep(process.RegistryTransferIncompleteStep(in.EndpointID))
		if err := o.store.SetStatus(in.ProcessID, step, process.History{ID: transfer.ID, Status: process.StatusIncomplete}); err != nil {
			return o.failRegistry(in.ProcessID, in.EndpointID, transfer.ID, err)
		}
		log.Warn(log.CatOrch, "registry transfer incomplete",
			"process", in.ProcessID, "endpoint", in.EndpointID, "transfer", transfer.ID)
		return nil

	default:
		return o.failRegistry(in.ProcessID, in.EndpointID, transfer.ID,
			fmt.Errorf("%w: remote state %s", ErrTransferFailed, transfer.State))
	}
}

// RegistrySearchInput identifies a registry discovery run: search the
// counterparty's catalog for digital twin registries and fetch each one.
type RegistrySearchInput struct {
	ProcessID string
	BPN       string
	SearchID  string
}

// RunRegistrySearch discovers the counterparty's digital twin registries,
// negotiates the first offered registry dataset and fans out one transfer
// per discovered endpoint. It occupies the negotiation driver slot for the
// negotiation portion only; the fan-out workers run concurrently and record
// their outcome under per-endpoint steps.
func (o *Orchestrator) RunRegistrySearch(ctx context.Context, in RegistrySearchInput) error {
	release, err := o.model.Attach(in.ProcessID, process.DriverNegotiation)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, tracing.SpanRegistrySearch, trace.WithAttributes(
		attribute.String(tracing.AttrProcessID, in.ProcessID),
		attribute.String(tracing.AttrCounterparty, in.BPN),
	))
	defer span.End()

	status, err := o.store.Get(in.ProcessID)
	if err != nil {
		return err
	}

	job := process.JobHistory{JobID: in.ProcessID, SearchID: in.SearchID, Status: process.StatusRequested}
	if err := o.store.SetJob(in.ProcessID, in.SearchID, job); err != nil {
		return err
	}

	catalog, err := o.client.SearchRegistryCatalog(ctx, status.Endpoint)
	if err != nil {
		return o.fail(in.ProcessID, process.StepNegotiationFailed, "", err)
	}
	var datasets []edc.Dataset
	if catalog != nil {
		if datasets, err = catalog.Datasets(); err != nil {
			return o.fail(in.ProcessID, process.StepNegotiationFailed, "", fmt.Errorf("%w: %v", edc.ErrProtocol, err))
		}
	}
	if len(datasets) == 0 {
		return o.fail(in.ProcessID, process.StepNegotiationFailed, "",
			fmt.Errorf("%w: no registry datasets offered by %s", ErrNegotiationFailed, status.Endpoint))
	}
	log.Info(log.CatOrch, "registry search found endpoints",
		"process", in.ProcessID, "count", len(datasets))

	negotiation, err := o.negotiate(ctx, NegotiationInput{
		ProcessID: in.ProcessID,
		BPN:       in.BPN,
		Dataset:   datasets[0],
	}, true)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := range datasets {
		dataset := datasets[i]
		endpointID := endpointIDFor(dataset.AssetID)
		wg.Add(1)
		log.SafeGo("registry-transfer-"+endpointID, func() {
			defer wg.Done()
			if err := o.RunRegistryTransfer(ctx, RegistryTransferInput{
				ProcessID:   in.ProcessID,
				BPN:         in.BPN,
				EndpointID:  endpointID,
				Dataset:     dataset,
				Negotiation: negotiation,
			}); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	job.Status = process.StatusOK
	if len(errs) > 0 {
		job.Status = process.StatusFailed
	}
	if err := o.store.SetJob(in.ProcessID, in.SearchID, job); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// endpointIDFor derives a journal-safe endpoint id from an asset id.
func endpointIDFor(assetID string) string {
	return strings.ReplaceAll(assetID, "/", "-")
}

// failRegistry records the shared registry failure step without touching
// the process state; the passport flow owns that.
func (o *Orchestrator) failRegistry(processID, endpointID, refID string, cause error) error {
	if refID == "" {
		refID = processID
	}
	step := process.RegistryStep(process.StepRegistryFailed)
	if err := o.store.SetStatus(processID, step, process.History{ID: refID, Status: process.StatusFailed}); err != nil {
		log.ErrorErr(log.CatOrch, "recording registry failure step", err, "process", processID)
	}
	log.ErrorErr(log.CatOrch, "registry transfer failed", cause,
		"process", processID, "endpoint", endpointID)
	return fmt.Errorf("registry transfer %s for process %s: %w", endpointID, processID, cause)
}
