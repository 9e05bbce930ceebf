package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/passport-consumer/internal/edc"
	"github.com/zjrosen/passport-consumer/internal/log"
	"github.com/zjrosen/passport-consumer/internal/process"
	"github.com/zjrosen/passport-consumer/internal/tracing"
)

// NegotiationInput is everything the negotiation driver needs: the process
// it works for, the counterparty and the catalog dataset to negotiate.
type NegotiationInput struct {
	ProcessID string
	BPN       string
	Dataset   edc.Dataset
}

// RunNegotiation drives one contract negotiation to a terminal state and,
// on success, chains the transfer driver in the same task. It occupies the
// process's negotiation driver slot for its whole run, transfer included,
// so at most one of each is ever active.
func (o *Orchestrator) RunNegotiation(ctx context.Context, in NegotiationInput) error {
	release, err := o.model.Attach(in.ProcessID, process.DriverNegotiation)
	if err != nil {
		return err
	}
	defer release()

	negotiation, err := o.negotiate(ctx, in, false)
	if err != nil {
		return err
	}

	releaseTransfer, err := o.model.Attach(in.ProcessID, process.DriverTransfer)
	if err != nil {
		return err
	}
	defer releaseTransfer()

	return o.runTransfer(ctx, TransferInput{
		ProcessID:   in.ProcessID,
		BPN:         in.BPN,
		Dataset:     in.Dataset,
		Negotiation: negotiation,
	})
}

// negotiate runs the negotiation portion: persist request, start, poll to a
// terminal state, persist each observed change. The caller holds the
// negotiation driver slot. isRegistry routes the persisted artefacts into
// the registry namespace.
func (o *Orchestrator) negotiate(ctx context.Context, in NegotiationInput, isRegistry bool) (edc.Negotiation, error) {
	ctx, span := o.tracer.Start(ctx, tracing.SpanNegotiation, trace.WithAttributes(
		attribute.String(tracing.AttrProcessID, in.ProcessID),
		attribute.String(tracing.AttrAssetID, in.Dataset.AssetID),
		attribute.String(tracing.AttrCounterparty, in.BPN),
	))
	defer span.End()

	status, err := o.store.Get(in.ProcessID)
	if err != nil {
		return edc.Negotiation{}, err
	}
	if err := o.transition(in.ProcessID, process.StateRunning); err != nil {
		return edc.Negotiation{}, err
	}

	offer, err := edc.BuildOffer(in.Dataset)
	if err != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, "", err)
	}
	span.SetAttributes(attribute.String(tracing.AttrOfferID, offer.OfferID))

	request := edc.NegotiationRequest{
		Context:             edc.OdrlContext,
		CounterPartyAddress: status.Endpoint,
		CounterPartyID:      in.BPN,
		Offer:               offer,
	}

	// Placeholder first: the request is durable before the wire call, with
	// the process id standing in until the remote id exists.
	if err := o.store.SaveNegotiationRequest(in.ProcessID, request, edc.IdResponse{ID: in.ProcessID}, isRegistry); err != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, "", err)
	}

	response, err := o.client.StartNegotiation(ctx, request)
	if err != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, "", err)
	}
	span.SetAttributes(attribute.String(tracing.AttrNegotiationID, response.ID))

	if err := o.store.SaveNegotiationRequest(in.ProcessID, request, response, isRegistry); err != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, response.ID, err)
	}

	var observeErr error
	result, err := o.client.PollNegotiation(ctx, response.ID, o.abortFor(in.ProcessID, &observeErr),
		func(neg edc.Negotiation) {
			span.AddEvent(tracing.EventStateChanged, trace.WithAttributes(
				attribute.String(tracing.AttrRemoteState, string(neg.State))))
			if err := o.store.SaveNegotiation(in.ProcessID, neg, isRegistry); err != nil && observeErr == nil {
				observeErr = err
			}
		})
	if err != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, response.ID, err)
	}
	if observeErr != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, response.ID, observeErr)
	}
	if result.Aborted {
		span.AddEvent(tracing.EventAborted)
		log.Info(log.CatOrch, "negotiation aborted", "process", in.ProcessID, "negotiation", response.ID)
		return edc.Negotiation{}, fmt.Errorf("negotiation for process %s: %w", in.ProcessID, ErrAborted)
	}

	negotiation := *result.Value
	if err := o.store.SaveNegotiation(in.ProcessID, negotiation, isRegistry); err != nil {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, negotiation.ID, err)
	}

	if !negotiation.State.Succeeded() {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, negotiation.ID,
			fmt.Errorf("%w: remote state %s", ErrNegotiationFailed, negotiation.State))
	}
	if negotiation.ContractAgreementID == "" {
		return edc.Negotiation{}, o.fail(in.ProcessID, process.StepNegotiationFailed, negotiation.ID,
			fmt.Errorf("%w: succeeded without contract agreement id", edc.ErrProtocol))
	}

	if err := o.transition(in.ProcessID, process.StateNegotiated); err != nil {
		return edc.Negotiation{}, err
	}
	log.Info(log.CatOrch, "negotiation succeeded",
		"process", in.ProcessID, "negotiation", negotiation.ID, "agreement", negotiation.ContractAgreementID)
	return negotiation, nil
}
