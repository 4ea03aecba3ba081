package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/orket/orket/pkg/coordinator"
)

// CardExecutor performs the work a claimed card describes and returns the
// result payload to publish.
type CardExecutor interface {
	Execute(ctx context.Context, card coordinator.Card) (any, error)
}

// SleepExecutor simulates work by sleeping for a fixed duration. It is the
// default executor for load and race exercises.
type SleepExecutor struct {
	WorkDuration time.Duration
	Clock        clock.Clock
}

// Execute sleeps, then reports how long it worked.
func (e SleepExecutor) Execute(ctx context.Context, card coordinator.Card) (any, error) {
	clk := e.Clock
	if clk == nil {
		clk = clock.New()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-clk.After(e.WorkDuration):
	}
	return map[string]any{
		"card_id":   card.ID,
		"worked_ms": e.WorkDuration.Milliseconds(),
	}, nil
}

// DelayPoint names an instant where artificial latency can be injected.
// Race tests use these to force specific interleavings.
type DelayPoint string

const (
	// DelayBeforeClaim fires between spotting an open card and claiming it.
	DelayBeforeClaim DelayPoint = "before_claim"
	// DelayBeforeComplete fires between finishing work and publishing.
	DelayBeforeComplete DelayPoint = "before_complete"
)

// DelayFunc injects latency at a delay point. Nil means no delays.
type DelayFunc func(ctx context.Context, point DelayPoint)

// RunnerConfig tunes one runner.
type RunnerConfig struct {
	NodeID        string
	PollInterval  time.Duration
	LeaseDuration time.Duration
	// RenewInterval of zero derives a third of the lease duration.
	RenewInterval time.Duration
	// JoinTimeout bounds the wait for the renewer goroutine at the end of
	// a card. Zero defaults to the lease duration.
	JoinTimeout time.Duration
}

// Runner executes one card at a time against a coordinator.
type Runner struct {
	client   *Client
	clock    clock.Clock
	cfg      RunnerConfig
	executor CardExecutor
	delay    DelayFunc
}

// NewRunner builds a runner. A nil executor defaults to a 100ms
// SleepExecutor.
func NewRunner(client *Client, clk clock.Clock, cfg RunnerConfig, executor CardExecutor, delay DelayFunc) *Runner {
	if executor == nil {
		executor = SleepExecutor{WorkDuration: 100 * time.Millisecond, Clock: clk}
	}
	return &Runner{
		client:   client,
		clock:    clk,
		cfg:      cfg,
		executor: executor,
		delay:    delay,
	}
}

// RunOnce polls, claims at most one card, works it, and publishes the
// outcome. It reports whether a card was processed. An empty poll sleeps one
// poll interval before returning.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	// 1. Poll for claimable cards.
	cards, err := r.client.ListOpenCards(ctx)
	if err != nil {
		return false, err
	}
	if len(cards) == 0 {
		r.sleep(ctx, r.cfg.PollInterval)
		return false, nil
	}

	// 2. Claim the first card that accepts us. Conflicts mean another
	// node won the race; move on to the next candidate.
	var claimed *coordinator.Card
	for i := range cards {
		r.injectDelay(ctx, DelayBeforeClaim)
		card, err := r.client.Claim(ctx, cards[i].ID, r.cfg.NodeID, r.cfg.LeaseDuration)
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		claimed = card
		break
	}
	if claimed == nil {
		return false, nil
	}

	log := slog.With("node_id", r.cfg.NodeID, "card_id", claimed.ID)
	log.Info("Card claimed", "attempts", claimed.Attempts)

	// 3. Keep the lease alive while the executor runs.
	renewer := NewRenewer(r.client, r.clock, claimed.ID, r.cfg.NodeID, r.cfg.LeaseDuration, r.cfg.RenewInterval)
	renewer.Start(ctx)

	result, execErr := r.executor.Execute(ctx, *claimed)

	if !renewer.Stop(r.joinTimeout()) {
		log.Warn("Renewer did not stop within the join timeout")
	}
	if renewer.Lost() {
		// The lease is gone but the coordinator decides what that means:
		// publish anyway and accept whatever outcome comes back.
		log.Warn("Lease lost during execution, publishing anyway")
	}

	// 4. Publish the terminal outcome.
	r.injectDelay(ctx, DelayBeforeComplete)

	var final *coordinator.Card
	var pubErr error
	if execErr != nil {
		final, pubErr = r.client.Fail(ctx, claimed.ID, r.cfg.NodeID, map[string]any{"error": execErr.Error()})
	} else {
		final, pubErr = r.client.Complete(ctx, claimed.ID, r.cfg.NodeID, result)
	}
	if pubErr != nil {
		if errors.Is(pubErr, ErrConflict) {
			// Another claimant owns the card and has not finished yet.
			// Its outcome will stand; ours is discarded.
			log.Warn("Publish rejected, card owned by another node")
			return true, nil
		}
		return true, pubErr
	}

	log.Info("Card finished", "state", final.State)
	return true, nil
}

func (r *Runner) joinTimeout() time.Duration {
	if r.cfg.JoinTimeout > 0 {
		return r.cfg.JoinTimeout
	}
	if r.cfg.LeaseDuration > 0 {
		return r.cfg.LeaseDuration
	}
	return time.Second
}

func (r *Runner) injectDelay(ctx context.Context, point DelayPoint) {
	if r.delay != nil {
		r.delay(ctx, point)
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-r.clock.After(d):
	}
}
