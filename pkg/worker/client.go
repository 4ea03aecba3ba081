// Package worker implements the claim side of the coordinator protocol:
// polling for open cards, claiming them under a renewable lease, running an
// executor, and publishing terminal results.
//
// The coordinator's serialization is authoritative. Workers never keep local
// commit state; whatever result the coordinator publishes for a card is the
// result, including when it is another node's.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orket/orket/pkg/coordinator"
)

// Typed errors for coordinator responses. An HTTP response of any status is
// definitive and never retried; only transport failures go through backoff.
var (
	// ErrNotFound is a 404: the card does not exist.
	ErrNotFound = errors.New("card not found")
	// ErrForbidden is a 403: the lease belongs to another node.
	ErrForbidden = errors.New("lease owned by another node")
	// ErrConflict is a 409: claim or terminal transition lost a race.
	ErrConflict = errors.New("card operation conflicted")
	// ErrBadRequest is a 400: the request shape was rejected.
	ErrBadRequest = errors.New("request rejected")
)

const defaultMaxRetries = 3

// Client talks to one coordinator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries bounds transport-level retry attempts.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient builds a client for the coordinator at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type claimBody struct {
	NodeID        string  `json:"node_id"`
	LeaseDuration float64 `json:"lease_duration"`
}

type finishBody struct {
	NodeID string `json:"node_id"`
	Result any    `json:"result,omitempty"`
}

// ListOpenCards returns the cards claimable right now.
func (c *Client) ListOpenCards(ctx context.Context) ([]coordinator.Card, error) {
	var cards []coordinator.Card
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/cards?state=open", nil, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// Claim requests a lease on a card.
func (c *Client) Claim(ctx context.Context, cardID, nodeID string, lease time.Duration) (*coordinator.Card, error) {
	body := claimBody{NodeID: nodeID, LeaseDuration: lease.Seconds()}
	var card coordinator.Card
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cards/"+cardID+"/claim", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Renew extends a held lease.
func (c *Client) Renew(ctx context.Context, cardID, nodeID string, lease time.Duration) (*coordinator.Card, error) {
	body := claimBody{NodeID: nodeID, LeaseDuration: lease.Seconds()}
	var card coordinator.Card
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cards/"+cardID+"/renew", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Complete publishes a DONE outcome. The returned card carries the committed
// result, which may be another node's if that node finished first.
func (c *Client) Complete(ctx context.Context, cardID, nodeID string, result any) (*coordinator.Card, error) {
	body := finishBody{NodeID: nodeID, Result: result}
	var card coordinator.Card
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cards/"+cardID+"/complete", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Fail publishes a FAILED outcome with the same semantics as Complete.
func (c *Client) Fail(ctx context.Context, cardID, nodeID string, result any) (*coordinator.Card, error) {
	body := finishBody{NodeID: nodeID, Result: result}
	var card coordinator.Card
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cards/"+cardID+"/fail", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// doJSON sends one request, retrying transport failures with exponential
// backoff. The request body is re-marshaled per attempt so retries never
// reuse a drained reader.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var resp *http.Response
	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func statusError(code int, body []byte) error {
	msg := serverMessage(body)
	var sentinel error
	switch code {
	case http.StatusBadRequest:
		sentinel = ErrBadRequest
	case http.StatusForbidden:
		sentinel = ErrForbidden
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusConflict:
		sentinel = ErrConflict
	default:
		return fmt.Errorf("coordinator returned %d: %s", code, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
