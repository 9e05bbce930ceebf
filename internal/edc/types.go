// Package edc provides the stateless client for a counterparty connector's
// management plane: catalog queries, contract negotiations and transfer
// processes, plus the polling loop that observes their remote state machines.
package edc

import (
	"encoding/json"
	"fmt"
)

// OdrlContext is the JSON-LD context attached to every request envelope.
var OdrlContext = map[string]string{"odrl": "http://www.w3.org/ns/odrl/2/"}

// IRIs used in catalog filter expressions.
const (
	FilterAssetID   = "https://w3id.org/edc/v0.0.1/ns/id"
	FilterAssetType = "https://w3id.org/edc/v0.0.1/ns/type"
)

// NegotiationState is the remote contract negotiation state.
type NegotiationState string

const (
	NegotiationRequested   NegotiationState = "REQUESTED"
	NegotiationNegotiating NegotiationState = "NEGOTIATING"
	NegotiationAgreed      NegotiationState = "AGREED"
	NegotiationVerifying   NegotiationState = "VERIFYING"
	NegotiationFinalized   NegotiationState = "FINALIZED"
	NegotiationConfirmed   NegotiationState = "CONFIRMED"
	NegotiationTerminating NegotiationState = "TERMINATING"
	NegotiationTerminated  NegotiationState = "TERMINATED"
	NegotiationError       NegotiationState = "ERROR"
)

// Succeeded reports whether the negotiation reached a terminal success state.
// FINALIZED is treated as success for negotiations as well as transfers,
// matching the counterparty connector's observed behavior.
func (s NegotiationState) Succeeded() bool {
	return s == NegotiationConfirmed || s == NegotiationFinalized
}

// Terminal reports whether the state ends the negotiation state machine.
func (s NegotiationState) Terminal() bool {
	switch s {
	case NegotiationConfirmed, NegotiationFinalized,
		NegotiationError, NegotiationTerminated, NegotiationTerminating:
		return true
	}
	return false
}

// TransferState is the remote transfer process state.
type TransferState string

const (
	TransferRequested   TransferState = "REQUESTED"
	TransferStarted     TransferState = "STARTED"
	TransferCompleted   TransferState = "COMPLETED"
	TransferVerified    TransferState = "VERIFIED"
	TransferFinalized   TransferState = "FINALIZED"
	TransferTerminating TransferState = "TERMINATING"
	TransferTerminated  TransferState = "TERMINATED"
	TransferError       TransferState = "ERROR"
)

// Succeeded reports whether the transfer reached a terminal success state.
func (s TransferState) Succeeded() bool {
	return s == TransferCompleted || s == TransferVerified || s == TransferFinalized
}

// Terminal reports whether the state ends the transfer state machine.
func (s TransferState) Terminal() bool {
	switch s {
	case TransferCompleted, TransferVerified, TransferFinalized,
		TransferError, TransferTerminated, TransferTerminating:
		return true
	}
	return false
}

// Policy is the terms under which an asset is offered. The engine treats
// policies as opaque apart from their "@id": the id becomes the offerId sent
// back to the counterparty, and the policy body is echoed into the
// negotiation request with the id cleared.
type Policy struct {
	ID string

	// fields holds every JSON member except "@id", preserved verbatim.
	fields map[string]json.RawMessage
}

// UnmarshalJSON keeps all policy members verbatim and lifts out "@id".
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if idRaw, ok := raw["@id"]; ok {
		if err := json.Unmarshal(idRaw, &p.ID); err != nil {
			return fmt.Errorf("policy @id: %w", err)
		}
		delete(raw, "@id")
	}
	p.fields = raw
	return nil
}

// MarshalJSON writes the preserved members, re-adding "@id" when set.
func (p Policy) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.fields)+1)
	for k, v := range p.fields {
		out[k] = v
	}
	if p.ID != "" {
		idRaw, err := json.Marshal(p.ID)
		if err != nil {
			return nil, err
		}
		out["@id"] = idRaw
	}
	return json.Marshal(out)
}

// WithoutID returns a copy of the policy with its id cleared, as required
// for the agreement proposal embedded in a negotiation request.
func (p Policy) WithoutID() Policy {
	fields := make(map[string]json.RawMessage, len(p.fields))
	for k, v := range p.fields {
		fields[k] = v
	}
	return Policy{fields: fields}
}

// Dataset is one catalog entry: an asset plus its offer policies.
type Dataset struct {
	AssetID string          `json:"edc:id"`
	Policy  json.RawMessage `json:"odrl:hasPolicy"`
}

// Policies returns the dataset's policies. The counterparty serializes a
// single policy as an object and multiple policies as an array.
func (d Dataset) Policies() ([]Policy, error) {
	if len(d.Policy) == 0 {
		return nil, nil
	}
	var one Policy
	if err := json.Unmarshal(d.Policy, &one); err == nil {
		return []Policy{one}, nil
	}
	var many []Policy
	if err := json.Unmarshal(d.Policy, &many); err != nil {
		return nil, fmt.Errorf("parsing dataset policies: %w", err)
	}
	return many, nil
}

// Offer is the projection the engine chooses from a dataset: the first
// policy's id paired with the assetId, plus the policy body with its id
// cleared.
type Offer struct {
	OfferID string `json:"offerId"`
	AssetID string `json:"assetId"`
	Policy  Policy `json:"policy"`
}

// BuildOffer projects a dataset onto an Offer using its first policy.
// Multiple policies are resolved by taking the first one.
func BuildOffer(dataset Dataset) (Offer, error) {
	policies, err := dataset.Policies()
	if err != nil {
		return Offer{}, err
	}
	if len(policies) == 0 {
		return Offer{}, fmt.Errorf("dataset %s has no policy", dataset.AssetID)
	}
	policy := policies[0]
	return Offer{
		OfferID: policy.ID,
		AssetID: dataset.AssetID,
		Policy:  policy.WithoutID(),
	}, nil
}

// Catalog is an advertised set of assets plus their offer policies.
type Catalog struct {
	ID             string          `json:"@id"`
	ParticipantID  string          `json:"edc:participantId"`
	ContractOffers json.RawMessage `json:"dcat:dataset"`
}

// Datasets returns the catalog's entries. A single entry is serialized as
// an object, multiple entries as an array.
func (c Catalog) Datasets() ([]Dataset, error) {
	if len(c.ContractOffers) == 0 {
		return nil, nil
	}
	var one Dataset
	if err := json.Unmarshal(c.ContractOffers, &one); err == nil {
		return []Dataset{one}, nil
	}
	var many []Dataset
	if err := json.Unmarshal(c.ContractOffers, &many); err != nil {
		return nil, fmt.Errorf("parsing catalog datasets: %w", err)
	}
	return many, nil
}

// CatalogRequest queries a provider's catalog through the consumer connector.
type CatalogRequest struct {
	Context             map[string]string `json:"@context"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	QuerySpec           QuerySpec         `json:"querySpec"`
}

// QuerySpec carries the filter expressions of a catalog request.
type QuerySpec struct {
	FilterExpression []FilterExpression `json:"filterExpression"`
}

// FilterExpression is a single equality constraint on a catalog query.
type FilterExpression struct {
	LeftOperand  string `json:"leftOperand"`
	Operator     string `json:"operator"`
	RightOperand string `json:"rightOperand"`
}

// NewFilterExpression builds the equality filter used for every lookup.
func NewFilterExpression(key, value string) FilterExpression {
	return FilterExpression{LeftOperand: key, Operator: "=", RightOperand: value}
}

// NegotiationRequest starts a contract negotiation with a provider.
type NegotiationRequest struct {
	Context             map[string]string `json:"@context"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	CounterPartyID      string            `json:"counterPartyId"`
	Offer               Offer             `json:"offer"`
}

// TransferRequest starts a transfer process for a negotiated contract.
type TransferRequest struct {
	Context             map[string]string `json:"@context"`
	AssetID             string            `json:"assetId"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	CounterPartyID      string            `json:"counterPartyId"`
	ContractID          string            `json:"contractId"`
	DataDestination     DataDestination   `json:"dataDestination"`
	ManagedResources    bool              `json:"managedResources"`
	PrivateProperties   PrivateProperties `json:"privateProperties"`
	Protocol            string            `json:"protocol"`
	TransferType        TransferType      `json:"transferType"`
}

// DataDestination names the data-plane sink type, always HttpProxy here.
type DataDestination struct {
	Type string `json:"type"`
}

// PrivateProperties carries the consumer-side callback endpoint.
type PrivateProperties struct {
	ReceiverHTTPEndpoint string `json:"receiverHttpEndpoint"`
}

// TransferType describes the requested artifact encoding.
type TransferType struct {
	ContentType string `json:"contentType"`
	IsFinite    bool   `json:"isFinite"`
}

// IdResponse is the remote-assigned identifier returned when a negotiation
// or transfer is created.
type IdResponse struct {
	ID   string `json:"@id"`
	Type string `json:"@type,omitempty"`
}

// Negotiation is the remote-observed contract negotiation.
type Negotiation struct {
	ID                  string           `json:"@id"`
	Type                string           `json:"@type,omitempty"`
	State               NegotiationState `json:"edc:state"`
	ContractAgreementID string           `json:"edc:contractAgreementId"`
}

// Transfer is the remote-observed transfer process.
type Transfer struct {
	ID    string        `json:"@id"`
	Type  string        `json:"@type,omitempty"`
	State TransferState `json:"edc:state"`
}
