package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PoolConfig tunes a worker pool.
type PoolConfig struct {
	// NodeID prefixes each runner's identity as "<node>-w<i>". Empty
	// generates a random node id.
	NodeID        string
	Count         int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	RenewInterval time.Duration
}

// Pool runs a fixed set of runners until the context is cancelled.
type Pool struct {
	client   *Client
	clock    clock.Clock
	cfg      PoolConfig
	executor CardExecutor
}

// NewPool builds a pool of cfg.Count runners sharing one client and
// executor.
func NewPool(client *Client, clk clock.Clock, cfg PoolConfig, executor CardExecutor) *Pool {
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	return &Pool{
		client:   client,
		clock:    clk,
		cfg:      cfg,
		executor: executor,
	}
}

// Run starts all runners and blocks until the context is cancelled or a
// runner fails hard. Cancellation is the normal way to stop and returns nil.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		runner := NewRunner(p.client, p.clock, RunnerConfig{
			NodeID:        fmt.Sprintf("%s-w%d", p.cfg.NodeID, i),
			PollInterval:  p.cfg.PollInterval,
			LeaseDuration: p.cfg.LeaseDuration,
			RenewInterval: p.cfg.RenewInterval,
		}, p.executor, nil)

		g.Go(func() error {
			return p.runLoop(ctx, runner)
		})
	}

	slog.Info("Worker pool started", "node_id", p.cfg.NodeID, "count", p.cfg.Count)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Worker pool stopped", "node_id", p.cfg.NodeID)
	return nil
}

func (p *Pool) runLoop(ctx context.Context, runner *Runner) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := runner.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Runner iteration failed", "node_id", runner.cfg.NodeID, "error", err)
			runner.sleep(ctx, runner.cfg.PollInterval)
		}
	}
}
