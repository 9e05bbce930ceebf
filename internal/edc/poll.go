package edc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/passport-consumer/internal/log"
)

// AbortCheck is consulted once per poll iteration. Returning true stops the
// loop without observing further remote state.
type AbortCheck func() bool

// PollResult is the outcome of a polling loop: either the loop was aborted
// before the remote state machine terminated, or Value holds the final
// remote object. Callers must check Aborted before using Value.
type PollResult[T any] struct {
	Aborted bool
	Value   *T
}

// PollNegotiation blocks until the negotiation reaches a terminal state or
// abort fires. The poll interval is the configured delay (default 200ms).
// The loop has no intrinsic deadline: the counterparty is the timing
// authority, and callers impose one through ctx when needed. observe, when
// non-nil, is invoked on every remote state change, including the terminal
// one; remote state is observational and callers persist it on change.
func (c *Client) PollNegotiation(ctx context.Context, id string, abort AbortCheck, observe func(Negotiation)) (PollResult[Negotiation], error) {
	url := c.managementURL(c.cfg.Negotiation) + "/" + id

	var onChange func(json.RawMessage)
	if observe != nil {
		onChange = func(body json.RawMessage) {
			var negotiation Negotiation
			if err := json.Unmarshal(body, &negotiation); err == nil {
				observe(negotiation)
			}
		}
	}

	body, result, err := c.pollState(ctx, url, id, "negotiation", func(state string) bool {
		return NegotiationState(state).Terminal()
	}, abort, onChange)
	if err != nil || result.Aborted {
		return PollResult[Negotiation]{Aborted: result.Aborted}, err
	}

	var negotiation Negotiation
	if err := json.Unmarshal(body, &negotiation); err != nil {
		return PollResult[Negotiation]{}, fmt.Errorf("%w: parsing negotiation: %v", ErrProtocol, err)
	}
	return PollResult[Negotiation]{Value: &negotiation}, nil
}

// PollTransfer blocks until the transfer reaches a terminal state or abort
// fires. Symmetric to PollNegotiation.
func (c *Client) PollTransfer(ctx context.Context, id string, abort AbortCheck, observe func(Transfer)) (PollResult[Transfer], error) {
	url := c.managementURL(c.cfg.Transfer) + "/" + id

	var onChange func(json.RawMessage)
	if observe != nil {
		onChange = func(body json.RawMessage) {
			var transfer Transfer
			if err := json.Unmarshal(body, &transfer); err == nil {
				observe(transfer)
			}
		}
	}

	body, result, err := c.pollState(ctx, url, id, "transfer", func(state string) bool {
		return TransferState(state).Terminal()
	}, abort, onChange)
	if err != nil || result.Aborted {
		return PollResult[Transfer]{Aborted: result.Aborted}, err
	}

	var transfer Transfer
	if err := json.Unmarshal(body, &transfer); err != nil {
		return PollResult[Transfer]{}, fmt.Errorf("%w: parsing transfer: %v", ErrProtocol, err)
	}
	return PollResult[Transfer]{Value: &transfer}, nil
}

// stateEnvelope extracts the one field every polled response must expose.
type stateEnvelope struct {
	State string `json:"edc:state"`
}

// pollState is the canonical polling loop shared by negotiations and
// transfers. One GET per iteration; exit on terminal state; state changes
// are logged with the time spent in the previous state and handed to
// onChange; the abort check runs after each observation so a cancelled
// process stops within one interval plus one in-flight call.
func (c *Client) pollState(ctx context.Context, url, id, kind string, terminal func(string) bool, abort AbortCheck, onChange func(json.RawMessage)) (json.RawMessage, PollResult[struct{}], error) {
	interval := time.Duration(c.cfg.DelayMS) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	previousState := ""
	stateSince := time.Now()

	for {
		body, err := c.get(ctx, url)
		if err != nil {
			return nil, PollResult[struct{}]{}, err
		}
		if len(body) == 0 {
			return nil, PollResult[struct{}]{}, fmt.Errorf("%w: no response received from %s", ErrPeerUnreachable, url)
		}

		var envelope stateEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, PollResult[struct{}]{}, fmt.Errorf("%w: parsing %s state: %v", ErrProtocol, kind, err)
		}
		if envelope.State == "" {
			return nil, PollResult[struct{}]{}, fmt.Errorf("%w: %s %s response has no edc:state", ErrProtocol, kind, id)
		}

		if envelope.State != previousState {
			log.Debug(log.CatEDC, "remote state changed",
				"kind", kind, "id", id, "state", envelope.State, "elapsed", time.Since(stateSince))
			previousState = envelope.State
			stateSince = time.Now()
			if onChange != nil {
				onChange(body)
			}
		}

		if terminal(envelope.State) {
			log.Debug(log.CatEDC, "remote state machine finished", "kind", kind, "id", id, "state", envelope.State)
			return body, PollResult[struct{}]{}, nil
		}

		if abort != nil && abort() {
			log.Info(log.CatEDC, "polling aborted", "kind", kind, "id", id, "lastState", envelope.State)
			return nil, PollResult[struct{}]{Aborted: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, PollResult[struct{}]{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}
