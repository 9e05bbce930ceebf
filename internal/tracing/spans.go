package tracing

// Span attribute keys for the orchestration engine.
const (
	AttrProcessID     = "process.id"
	AttrProcessState  = "process.state"
	AttrNegotiationID = "negotiation.id"
	AttrTransferID    = "transfer.id"
	AttrRemoteState   = "remote.state"
	AttrAssetID       = "asset.id"
	AttrOfferID       = "offer.id"
	AttrContractID    = "contract.id"
	AttrEndpointID    = "registry.endpoint.id"
	AttrCounterparty  = "counterparty.bpn"
	AttrProviderURL   = "provider.url"
	AttrPollCount     = "poll.count"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names used by the drivers and the protocol client.
const (
	SpanNegotiation      = "driver.negotiation"
	SpanTransfer         = "driver.transfer"
	SpanRegistryTransfer = "driver.registry_transfer"
	SpanRegistrySearch   = "driver.registry_search"
	SpanCatalogRequest   = "edc.catalog"
	SpanStartNegotiation = "edc.negotiation.start"
	SpanPollNegotiation  = "edc.negotiation.poll"
	SpanStartTransfer    = "edc.transfer.start"
	SpanPollTransfer     = "edc.transfer.poll"
	SpanPassportFetch    = "passport.fetch"
)

// Event names for span events.
const (
	EventStateChanged  = "remote.state.changed"
	EventAborted       = "driver.aborted"
	EventStepRecorded  = "journal.step.recorded"
	EventErrorOccurred = "error.occurred"
)
