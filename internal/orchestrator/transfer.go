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

// TransferInput carries the negotiated contract into the transfer driver.
type TransferInput struct {
	ProcessID   string
	BPN         string
	Dataset     edc.Dataset
	Negotiation edc.Negotiation
}

// RunTransfer drives one data transfer to a terminal state. It occupies
// the process's transfer driver slot; the negotiation driver acquires the
// same slot before chaining into runTransfer directly.
func (o *Orchestrator) RunTransfer(ctx context.Context, in TransferInput) error {
	release, err := o.model.Attach(in.ProcessID, process.DriverTransfer)
	if err != nil {
		return err
	}
	defer release()
	return o.runTransfer(ctx, in)
}

func (o *Orchestrator) runTransfer(ctx context.Context, in TransferInput) error {
	ctx, span := o.tracer.Start(ctx, tracing.SpanTransfer, trace.WithAttributes(
		attribute.String(tracing.AttrProcessID, in.ProcessID),
		attribute.String(tracing.AttrAssetID, in.Dataset.AssetID),
		attribute.String(tracing.AttrContractID, in.Negotiation.ContractAgreementID),
	))
	defer span.End()

	if in.Negotiation.ContractAgreementID == "" {
		return o.fail(in.ProcessID, process.StepTransferFailed, "",
			fmt.Errorf("%w: no contract agreement id", ErrTransferFailed))
	}

	status, err := o.store.Get(in.ProcessID)
	if err != nil {
		return err
	}

	if v5, err := edc.IsVersion5ContractID(in.Negotiation.ContractAgreementID); err == nil && v5 {
		log.Debug(log.CatOrch, "contract issued by a v0.5.x connector",
			"process", in.ProcessID, "contract", in.Negotiation.ContractAgreementID)
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
			ReceiverHTTPEndpoint: o.receiverEndpoint(in.ProcessID),
		},
		Protocol: transferProtocol,
		TransferType: edc.TransferType{
			ContentType: transferContentType,
			IsFinite:    true,
		},
	}

	if err := o.store.SaveTransferRequest(in.ProcessID, request, edc.IdResponse{ID: in.ProcessID}, false); err != nil {
		return o.fail(in.ProcessID, process.StepTransferFailed, "", err)
	}

	response, err := o.client.StartTransfer(ctx, request)
	if err != nil {
		return o.fail(in.ProcessID, process.StepTransferFailed, "", err)
	}
	span.SetAttributes(attribute.String(tracing.AttrTransferID, response.ID))

	if err := o.store.SaveTransferRequest(in.ProcessID, request, response, false); err != nil {
		return o.fail(in.ProcessID, process.StepTransferFailed, response.ID, err)
	}

	var observeErr error
	result, err := o.client.PollTransfer(ctx, response.ID, o.abortFor(in.ProcessID, &observeErr),
		func(t edc.Transfer) {
			span.AddEvent(tracing.EventStateChanged, trace.WithAttributes(
				attribute.String(tracing.AttrRemoteState, string(t.State))))
			if err := o.store.SaveTransfer(in.ProcessID, t, false); err != nil && observeErr == nil {
				observeErr = err
			}
		})
	if err != nil {
		return o.fail(in.ProcessID, process.StepTransferFailed, response.ID, err)
	}
	if observeErr != nil {
		return o.fail(in.ProcessID, process.StepTransferFailed, response.ID, observeErr)
	}
	if result.Aborted {
		span.AddEvent(tracing.EventAborted)
		log.Info(log.CatOrch, "transfer aborted", "process", in.ProcessID, "transfer", response.ID)
		return fmt.Errorf("transfer for process %s: %w", in.ProcessID, ErrAborted)
	}

	transfer := *result.Value
	if err := o.store.SaveTransfer(in.ProcessID, transfer, false); err != nil {
		return o.fail(in.ProcessID, process.StepTransferFailed, transfer.ID, err)
	}

	if !transfer.State.Succeeded() {
		return o.fail(in.ProcessID, process.StepTransferFailed, transfer.ID,
			fmt.Errorf("%w: remote state %s", ErrTransferFailed, transfer.State))
	}

	if err := o.transition(in.ProcessID, process.StateCompleted); err != nil {
		return err
	}
	log.Info(log.CatOrch, "transfer completed", "process", in.ProcessID, "transfer", transfer.ID)
	return nil
}
