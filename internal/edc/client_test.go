package edc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/passport-consumer/internal/config"
)

// staticSecrets is a SecretSource backed by a map.
type staticSecrets map[string]string

func (s staticSecrets) GetSecret(key string) (string, error) {
	return s[key], nil
}

func testSecrets() staticSecrets {
	return staticSecrets{
		"edc.apiKey":        "test-key",
		"edc.participantId": "BPNL000CONSUMER",
	}
}

func newTestClient(serverURL string) *Client {
	cfg := config.EDCConfig{
		Endpoint:          serverURL,
		Management:        "/management/v2",
		Catalog:           "/catalog/request",
		Negotiation:       "/contractnegotiations",
		Transfer:          "/transferprocesses",
		RegistryAssetType: "data.core.digitalTwinRegistry",
		DelayMS:           5,
		RequestTimeoutS:   5,
	}
	return New(cfg, testSecrets(), false)
}

func TestCatalogByFilter_BuildsFilterExpression(t *testing.T) {
	var captured CatalogRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/management/v2/catalog/request", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"@id":"cat-1","edc:participantId":"BPNL000PROVIDER"}`))
	}))
	defer server.Close()

	catalog, err := newTestClient(server.URL).CatalogByFilter(
		context.Background(), "https://prov/api", FilterAssetID, "urn:uuid:a1")
	require.NoError(t, err)
	require.NotNil(t, catalog)
	require.Equal(t, "BPNL000PROVIDER", catalog.ParticipantID)

	require.Equal(t, "http://www.w3.org/ns/odrl/2/", captured.Context["odrl"])
	require.Equal(t, "https://prov/api", captured.CounterPartyAddress)
	require.Len(t, captured.QuerySpec.FilterExpression, 1)
	filter := captured.QuerySpec.FilterExpression[0]
	require.Equal(t, FilterAssetID, filter.LeftOperand)
	require.Equal(t, "=", filter.Operator)
	require.Equal(t, "urn:uuid:a1", filter.RightOperand)
}

func TestCatalogByFilter_EmptyBodyReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	catalog, err := newTestClient(server.URL).CatalogByFilter(
		context.Background(), "https://prov/api", FilterAssetID, "urn:uuid:a1")
	require.NoError(t, err)
	require.Nil(t, catalog)
}

func TestParticipantID_MissingFieldIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"@id":"cat-1"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ParticipantID(context.Background())
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParticipantID_EmptyBodyIsPeerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ParticipantID(context.Background())
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestFindOfferByAssetID_SingleObjectReturnedDirectly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"@id": "cat-1",
			"edc:participantId": "BPNL000PROVIDER",
			"dcat:dataset": {"edc:id": "urn:uuid:a1", "odrl:hasPolicy": {"@id": "pol-1"}}
		}`))
	}))
	defer server.Close()

	dataset, err := newTestClient(server.URL).FindOfferByAssetID(
		context.Background(), "https://prov/api", "urn:uuid:a1")
	require.NoError(t, err)
	require.NotNil(t, dataset)
	require.Equal(t, "urn:uuid:a1", dataset.AssetID)
}

func TestFindOfferByAssetID_ListIndexedByAssetID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"@id": "cat-1",
			"dcat:dataset": [
				{"edc:id": "urn:uuid:other", "odrl:hasPolicy": {"@id": "pol-0"}},
				{"edc:id": "urn:uuid:a1", "odrl:hasPolicy": {"@id": "pol-1"}}
			]
		}`))
	}))
	defer server.Close()

	dataset, err := newTestClient(server.URL).FindOfferByAssetID(
		context.Background(), "https://prov/api", "urn:uuid:a1")
	require.NoError(t, err)
	require.NotNil(t, dataset)
	require.Equal(t, "urn:uuid:a1", dataset.AssetID)
}

func TestFindOfferByAssetID_NoMatchReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"@id": "cat-1",
			"dcat:dataset": [
				{"edc:id": "urn:uuid:other", "odrl:hasPolicy": {"@id": "pol-0"}},
				{"edc:id": "urn:uuid:another", "odrl:hasPolicy": {"@id": "pol-2"}}
			]
		}`))
	}))
	defer server.Close()

	dataset, err := newTestClient(server.URL).FindOfferByAssetID(
		context.Background(), "https://prov/api", "urn:uuid:a1")
	require.NoError(t, err)
	require.Nil(t, dataset)
}

func TestSearchRegistryCatalog_FiltersByAssetType(t *testing.T) {
	var captured CatalogRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"@id":"cat-1"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).SearchRegistryCatalog(context.Background(), "https://prov/api")
	require.NoError(t, err)
	require.Len(t, captured.QuerySpec.FilterExpression, 1)
	require.Equal(t, FilterAssetType, captured.QuerySpec.FilterExpression[0].LeftOperand)
	require.Equal(t, "data.core.digitalTwinRegistry", captured.QuerySpec.FilterExpression[0].RightOperand)
}

func TestStartNegotiation_ReturnsRemoteID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/management/v2/contractnegotiations", r.URL.Path)
		_, _ = w.Write([]byte(`{"@id": "neg-7", "@type": "IdResponse"}`))
	}))
	defer server.Close()

	response, err := newTestClient(server.URL).StartNegotiation(context.Background(), NegotiationRequest{
		Context: OdrlContext,
		Offer:   Offer{OfferID: "pol-1", AssetID: "urn:uuid:a1"},
	})
	require.NoError(t, err)
	require.Equal(t, "neg-7", response.ID)
}

func TestStartNegotiation_MissingIDIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"@type": "IdResponse"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StartNegotiation(context.Background(), NegotiationRequest{})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestStartTransfer_NonSuccessStatusIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StartTransfer(context.Background(), TransferRequest{})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestIsVersion5ContractID(t *testing.T) {
	tests := []struct {
		name       string
		contractID string
		want       bool
		wantErr    bool
	}{
		{name: "base64 middle segment", contractID: "asset:cGFydA==:suffix", want: true},
		{name: "plain middle segment", contractID: "asset:not_base64!:suffix", want: false},
		{name: "wrong segment count", contractID: "asset:only", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsVersion5ContractID(tt.contractID)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
