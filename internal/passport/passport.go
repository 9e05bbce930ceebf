// Package passport retrieves the passport artifact from the data-plane
// endpoint announced by the counterparty once a transfer completed.
package passport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zjrosen/passport-consumer/internal/log"
)

// ErrUnavailable is returned when the data plane cannot be reached or sent
// no artifact.
var ErrUnavailable = errors.New("passport unavailable")

// ErrMalformed is returned when the artifact is present but not valid JSON.
var ErrMalformed = errors.New("malformed passport")

// Client fetches passport artifacts over the one-shot data-plane endpoint.
type Client struct {
	http *http.Client
}

// NewClient creates a data-plane client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Fetch retrieves the artifact behind endpoint. The token, when set, is the
// authorization value announced in the transfer callback. The body must be
// JSON; it is returned unparsed so callers decide its shape.
func (c *Client) Fetch(ctx context.Context, endpoint, token string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, endpoint, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty artifact from %s", ErrUnavailable, endpoint)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: artifact from %s is not JSON", ErrMalformed, endpoint)
	}

	log.Info(log.CatPassport, "passport retrieved", "endpoint", endpoint, "bytes", len(body))
	return body, nil
}

// GenerateTransferID derives a stable transfer identifier from the
// negotiation id and the connector data, salted with the current instant so
// retries never reuse an id.
func GenerateTransferID(negotiationID, connectorData string) string {
	sum := sha256.Sum256([]byte(
		strconv.FormatInt(time.Now().UnixNano(), 10) + negotiationID + connectorData,
	))
	return hex.EncodeToString(sum[:])
}
