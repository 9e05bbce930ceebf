package edc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/passport-consumer/internal/cachemanager"
	"github.com/zjrosen/passport-consumer/internal/config"
	"github.com/zjrosen/passport-consumer/internal/log"
)

// ErrPeerUnreachable is returned on network failure or when a response body
// was required and the peer sent none.
var ErrPeerUnreachable = errors.New("peer unreachable")

// ErrProtocol is returned when a response is present but malformed: missing
// edc:state, missing participant id, or unparseable JSON.
var ErrProtocol = errors.New("protocol error")

// SecretSource provides the credentials attached to every management call.
// Implemented by the vault.
type SecretSource interface {
	GetSecret(key string) (string, error)
}

const (
	secretAPIKey        = "edc.apiKey"
	secretParticipantID = "edc.participantId"
)

const catalogCacheTTL = time.Minute

// Client is a stateless wrapper over the counterparty's management plane.
// All state lives with the remote connector; the client only shapes
// requests, classifies malformed responses and polls for state.
type Client struct {
	cfg  config.EDCConfig
	http *http.Client

	secrets SecretSource

	catalogCache *cachemanager.ReadThroughCache[string, *Catalog, CatalogRequest]
}

// New creates a management-plane client. When cacheCatalog is false every
// catalog lookup goes to the wire.
func New(cfg config.EDCConfig, secrets SecretSource, cacheCatalog bool) *Client {
	timeout := time.Duration(cfg.RequestTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		secrets: secrets,
	}

	cache := cachemanager.NewInMemoryCacheManager[string, *Catalog](
		"edc-catalog", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	c.catalogCache = cachemanager.NewReadThroughCache[string, *Catalog, CatalogRequest](
		cache, c.requestCatalog, !cacheCatalog)

	return c
}

// managementURL joins the configured endpoint, management path and sub-path.
func (c *Client) managementURL(sub string) string {
	return c.cfg.Endpoint + c.cfg.Management + sub
}

// ParticipantID issues an empty catalog query against the consumer connector
// and returns its participant identifier.
func (c *Client) ParticipantID(ctx context.Context) (string, error) {
	catalog, err := c.CatalogByFilter(ctx, c.cfg.Endpoint, FilterAssetID, "")
	if err != nil {
		return "", err
	}
	if catalog == nil {
		return "", fmt.Errorf("%w: empty catalog response from %s", ErrPeerUnreachable, c.cfg.Endpoint)
	}
	if catalog.ParticipantID == "" {
		return "", fmt.Errorf("%w: catalog response has no participant id", ErrProtocol)
	}
	return catalog.ParticipantID, nil
}

// CatalogByFilter queries a provider's catalog with a single equality filter.
// Returns nil when the provider sent an empty body.
func (c *Client) CatalogByFilter(ctx context.Context, providerURL, key, value string) (*Catalog, error) {
	request := CatalogRequest{
		Context:             OdrlContext,
		CounterPartyAddress: providerURL,
		QuerySpec: QuerySpec{
			FilterExpression: []FilterExpression{NewFilterExpression(key, value)},
		},
	}
	cacheKey := providerURL + "|" + key + "|" + value
	return c.catalogCache.Get(ctx, cacheKey, request, catalogCacheTTL)
}

func (c *Client) requestCatalog(ctx context.Context, request CatalogRequest) (*Catalog, error) {
	body, err := c.post(ctx, c.managementURL(c.cfg.Catalog), request)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var catalog Catalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("%w: parsing catalog: %v", ErrProtocol, err)
	}
	return &catalog, nil
}

// FindOfferByAssetID looks up the dataset advertising assetID in the
// provider's catalog. Returns nil when the asset is not offered.
func (c *Client) FindOfferByAssetID(ctx context.Context, providerURL, assetID string) (*Dataset, error) {
	catalog, err := c.CatalogByFilter(ctx, providerURL, FilterAssetID, assetID)
	if err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, nil
	}

	datasets, err := catalog.Datasets()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(datasets) == 0 {
		return nil, nil
	}
	// A single entry is returned directly; the filter already selected it.
	if len(datasets) == 1 {
		return &datasets[0], nil
	}
	for i := range datasets {
		if datasets[i].AssetID == assetID {
			return &datasets[i], nil
		}
	}
	return nil, nil
}

// SearchRegistryCatalog queries the provider for digital twin registry
// assets using the configured registry asset type.
func (c *Client) SearchRegistryCatalog(ctx context.Context, providerURL string) (*Catalog, error) {
	return c.CatalogByFilter(ctx, providerURL, FilterAssetType, c.cfg.RegistryAssetType)
}

// StartNegotiation posts a contract negotiation and returns the
// remote-assigned id.
func (c *Client) StartNegotiation(ctx context.Context, request NegotiationRequest) (IdResponse, error) {
	log.Debug(log.CatEDC, "starting contract negotiation", "offerId", request.Offer.OfferID)
	return c.startProcess(ctx, c.managementURL(c.cfg.Negotiation), request)
}

// StartTransfer posts a transfer process and returns the remote-assigned id.
func (c *Client) StartTransfer(ctx context.Context, request TransferRequest) (IdResponse, error) {
	log.Debug(log.CatEDC, "starting transfer process", "contractId", request.ContractID)
	return c.startProcess(ctx, c.managementURL(c.cfg.Transfer), request)
}

func (c *Client) startProcess(ctx context.Context, url string, request any) (IdResponse, error) {
	body, err := c.post(ctx, url, request)
	if err != nil {
		return IdResponse{}, err
	}
	if len(body) == 0 {
		return IdResponse{}, fmt.Errorf("%w: no response received from %s", ErrPeerUnreachable, url)
	}

	var response IdResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return IdResponse{}, fmt.Errorf("%w: parsing id response: %v", ErrProtocol, err)
	}
	if response.ID == "" {
		return IdResponse{}, fmt.Errorf("%w: id response has no @id", ErrProtocol)
	}
	return response, nil
}

// post issues a JSON POST with the standard headers and returns the raw body.
func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := c.setHeaders(req); err != nil {
		return nil, err
	}

	return c.do(req)
}

// get issues a GET with the standard headers and returns the raw body.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := c.setHeaders(req); err != nil {
		return nil, err
	}

	return c.do(req)
}

func (c *Client) setHeaders(req *http.Request) error {
	apiKey, err := c.secrets.GetSecret(secretAPIKey)
	if err != nil {
		return fmt.Errorf("resolving api key: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", apiKey)
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrPeerUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrProtocol, req.URL, resp.StatusCode)
	}
	return body, nil
}

// IsVersion5ContractID reports whether a contract id was issued by a
// v0.5.x connector, detected by the base64-encoded middle segment of the
// three-part id.
func IsVersion5ContractID(contractID string) (bool, error) {
	parts := strings.Split(contractID, ":")
	if len(parts) != 3 {
		return false, fmt.Errorf("invalid contract id %q: expected three segments", contractID)
	}
	_, err := base64.StdEncoding.DecodeString(parts[1])
	return err == nil, nil
}
