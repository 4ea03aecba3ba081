package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Renewer keeps one claimed lease alive from a background goroutine. Any
// non-200 renewal means the lease is gone: the renewer records the loss and
// exits, it never retries a rejected renewal and never attempts completion
// itself.
type Renewer struct {
	client        *Client
	clock         clock.Clock
	cardID        string
	nodeID        string
	leaseDuration time.Duration
	interval      time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	lost bool
}

// NewRenewer builds a renewer. An interval of zero defaults to a third of
// the lease duration, so the lease survives two missed ticks.
func NewRenewer(client *Client, clk clock.Clock, cardID, nodeID string, leaseDuration, interval time.Duration) *Renewer {
	if interval <= 0 {
		interval = leaseDuration / 3
	}
	return &Renewer{
		client:        client,
		clock:         clk,
		cardID:        cardID,
		nodeID:        nodeID,
		leaseDuration: leaseDuration,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the renewal loop.
func (r *Renewer) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Renewer) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.client.Renew(ctx, r.cardID, r.nodeID, r.leaseDuration); err != nil {
				r.mu.Lock()
				r.lost = true
				r.mu.Unlock()
				slog.Warn("Lease renewal failed, renewer stopping",
					"card_id", r.cardID,
					"node_id", r.nodeID,
					"error", err)
				return
			}
		}
	}
}

// Stop signals the loop and waits for it with a bounded join. Returns false
// if the goroutine did not exit within the timeout.
func (r *Renewer) Stop(timeout time.Duration) bool {
	r.stopOnce.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-r.clock.After(timeout):
		return false
	}
}

// Lost reports whether a renewal was rejected.
func (r *Renewer) Lost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}
