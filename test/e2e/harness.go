// Package e2e provides end-to-end test infrastructure for the orket
// pipeline: a booted coordinator with its HTTP API on a random port, plus
// helpers for driving workers and inspecting cards over the wire.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/orket/orket/pkg/api"
	"github.com/orket/orket/pkg/coordinator"
	"github.com/orket/orket/pkg/worker"
)

// TestApp boots a complete coordinator instance for e2e testing.
type TestApp struct {
	Store   *coordinator.Store
	Clock   clock.Clock
	Server  *api.Server
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cards []coordinator.Card
	clk   clock.Clock
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithCards seeds the card store at boot.
func WithCards(cards ...coordinator.Card) TestAppOption {
	return func(c *testAppConfig) { c.cards = cards }
}

// WithClock injects the store clock. Lease-expiry scenarios pass a mock and
// advance it instead of sleeping.
func WithClock(clk clock.Clock) TestAppOption {
	return func(c *testAppConfig) { c.clk = clk }
}

// NewTestApp creates and starts a coordinator test instance on a random
// port. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.clk == nil {
		tc.clk = clock.New()
	}

	// 1. Card store.
	store := coordinator.NewStore(tc.clk)
	if len(tc.cards) > 0 {
		store.Seed(tc.cards)
	}

	// 2. HTTP server on a random port.
	server := api.NewServer(store)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Store:   store,
		Clock:   tc.clk,
		Server:  server,
		BaseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		t:       t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	// 3. Wait until the listener answers.
	require.Eventually(t, func() bool {
		resp, err := http.Get(app.BaseURL + "/healthz")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond, "coordinator never became ready")

	return app
}

// Client returns a worker client pointed at this app.
func (app *TestApp) Client() *worker.Client {
	return worker.NewClient(app.BaseURL)
}

// GetCard fetches one card through the HTTP inventory endpoint.
func (app *TestApp) GetCard(t *testing.T, cardID string) coordinator.Card {
	t.Helper()
	for _, c := range app.ListCards(t) {
		if c.ID == cardID {
			return c
		}
	}
	t.Fatalf("card %q not in coordinator inventory", cardID)
	return coordinator.Card{}
}

// ListCards fetches the full card inventory over HTTP.
func (app *TestApp) ListCards(t *testing.T) []coordinator.Card {
	t.Helper()
	resp, err := http.Get(app.BaseURL + "/api/v1/cards")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cards []coordinator.Card
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cards))
	return cards
}

// openCard builds a plain claimable card.
func openCard(id string) coordinator.Card {
	return coordinator.Card{ID: id, Payload: map[string]any{"kind": "e2e"}}
}

// hedgedCard builds a card that accepts concurrent claimants.
func hedgedCard(id string) coordinator.Card {
	c := openCard(id)
	c.HedgedExecution = true
	return c
}
