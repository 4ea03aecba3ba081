// Package config loads and validates the orket runtime configuration from
// orket.yaml, layering user values over built-in defaults.
package config

import (
	"time"

	"github.com/orket/orket/pkg/reactor"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Index       IndexConfig       `yaml:"index"`
	Reactor     ReactorConfig     `yaml:"reactor"`
}

// CoordinatorConfig tunes the lease coordinator server.
type CoordinatorConfig struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// SnapshotPath is where the card set is persisted across restarts.
	// Empty disables snapshotting.
	SnapshotPath string `yaml:"snapshot_path"`

	// SeedCards are loaded into the store at startup when no snapshot
	// exists.
	SeedCards []SeedCard `yaml:"seed_cards"`
}

// SeedCard describes one work card to seed.
type SeedCard struct {
	ID              string         `yaml:"id"`
	Payload         map[string]any `yaml:"payload"`
	HedgedExecution bool           `yaml:"hedged_execution"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// CoordinatorURL is the base URL workers poll and publish against.
	CoordinatorURL string `yaml:"coordinator_url"`

	// NodeID identifies this worker process. Empty picks a random id.
	NodeID string `yaml:"node_id"`

	// Count is the number of worker goroutines in the pool.
	Count int `yaml:"count"`

	// PollInterval is the sleep between polls that find no open cards.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LeaseDuration is requested on every claim and renewal.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// RenewInterval is the heartbeat period. Zero derives a third of the
	// lease duration.
	RenewInterval time.Duration `yaml:"renew_interval"`

	// WorkDuration is how long the built-in executor works per card.
	WorkDuration time.Duration `yaml:"work_duration"`
}

// IndexConfig locates the index workspace.
type IndexConfig struct {
	// WorkspaceRoot is the directory the index tree lives under.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// ReactorConfig tunes the refinement loop.
type ReactorConfig struct {
	LeakMode       string   `yaml:"leak_mode"`
	StrictPatterns []string `yaml:"strict_patterns"`
	MaxRounds      int      `yaml:"max_rounds"`
	DiffFloor      float64  `yaml:"diff_floor"`
	StableRounds   int      `yaml:"stable_rounds"`
	ShingleK       int      `yaml:"shingle_k"`
	LoopMargin     float64  `yaml:"loop_margin"`
	MinLoopSim     float64  `yaml:"min_loop_sim"`
}

// RunConfig converts the section into the reactor's run parameters.
func (c ReactorConfig) RunConfig() reactor.Config {
	return reactor.Config{
		LeakMode:       reactor.LeakMode(c.LeakMode),
		StrictPatterns: c.StrictPatterns,
		MaxRounds:      c.MaxRounds,
		DiffFloor:      c.DiffFloor,
		StableRounds:   c.StableRounds,
		ShingleK:       c.ShingleK,
		LoopMargin:     c.LoopMargin,
		MinLoopSim:     c.MinLoopSim,
	}
}

// DefaultConfig returns the built-in defaults. Every field a user may omit
// has a workable value here.
func DefaultConfig() *Config {
	rc := reactor.DefaultConfig()
	return &Config{
		Coordinator: CoordinatorConfig{
			ListenAddr:   ":8080",
			SnapshotPath: "",
			SeedCards:    nil,
		},
		Worker: WorkerConfig{
			CoordinatorURL: "http://localhost:8080",
			Count:          2,
			PollInterval:   500 * time.Millisecond,
			LeaseDuration:  30 * time.Second,
			RenewInterval:  0,
			WorkDuration:   100 * time.Millisecond,
		},
		Index: IndexConfig{
			WorkspaceRoot: "./workspace",
		},
		Reactor: ReactorConfig{
			LeakMode:     string(rc.LeakMode),
			MaxRounds:    rc.MaxRounds,
			DiffFloor:    rc.DiffFloor,
			StableRounds: rc.StableRounds,
			ShingleK:     rc.ShingleK,
			LoopMargin:   rc.LoopMargin,
			MinLoopSim:   rc.MinLoopSim,
		},
	}
}
