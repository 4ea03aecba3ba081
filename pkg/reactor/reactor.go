// Package reactor implements the bounded architect/auditor refinement loop.
// Each round ingests one architect message and one auditor message, enforces
// the output contracts, and decides whether the loop keeps going. Stop
// decisions are pure functions of the transcript and the run config, so a
// replay over the same messages stops at the same round for the same reason.
package reactor

import (
	"fmt"

	"github.com/orket/orket/pkg/canonical"
)

// LeakMode selects the code-leak gate implementation.
type LeakMode string

const (
	// LeakModeStrict trips on any configured pattern match.
	LeakModeStrict LeakMode = "strict"
	// LeakModeBalanced trips on fenced blocks, anchored structural code
	// patterns and CLI tooling; isolated weak tokens only warn.
	LeakModeBalanced LeakMode = "balanced_v1"
)

// StopReason records why the loop halted. Empty means still running.
type StopReason string

const (
	StopNone           StopReason = ""
	StopCodeLeak       StopReason = "CODE_LEAK"
	StopShapeViolation StopReason = "SHAPE_VIOLATION"
	StopDiffFloor      StopReason = "DIFF_FLOOR"
	StopCircularity    StopReason = "CIRCULARITY"
	StopMaxRounds      StopReason = "MAX_ROUNDS"
)

// Config tunes one reactor run. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	LeakMode LeakMode
	// StrictPatterns are the regexes strict mode trips on. Empty uses
	// DefaultStrictPatterns. Balanced mode ignores them.
	StrictPatterns []string
	// MaxRounds halts the loop at exactly this round count.
	MaxRounds int
	// DiffFloor is the requirement-change ratio below which a round counts
	// as stable.
	DiffFloor float64
	// StableRounds is how many consecutive stable rounds trigger DIFF_FLOOR.
	StableRounds int
	// ShingleK is the character shingle width for similarity.
	ShingleK int
	// LoopMargin is how much closer the current requirement must be to the
	// one two rounds back than to the previous one before it counts as
	// circling.
	LoopMargin float64
	// MinLoopSim is the absolute similarity floor for a circularity stop.
	MinLoopSim float64
}

// DefaultConfig returns the standard run parameters.
func DefaultConfig() Config {
	return Config{
		LeakMode:     LeakModeBalanced,
		MaxRounds:    8,
		DiffFloor:    0.02,
		StableRounds: 2,
		ShingleK:     5,
		LoopMargin:   0.15,
		MinLoopSim:   0.6,
	}
}

// RoundMetrics are the measurements behind one round's stop decision.
type RoundMetrics struct {
	CodeLeakHit bool
	// N is the requirement history length after this round.
	N           int
	DiffRatio   float64
	SimPrev     float64
	SimLoop     float64
	StableCount int
}

// RoundRecord is the full audit trail of one round.
type RoundRecord struct {
	Round           int
	RunConfig       Config
	ArchitectRaw    string
	AuditorRaw      string
	ArchitectParsed map[string]string
	AuditorParsed   map[string]string
	ParseErrors     []string
	LeakWarnings    []string
	Metrics         RoundMetrics
	StopReason      StopReason
}

// Reactor drives one refinement run. Not safe for concurrent use.
type Reactor struct {
	cfg    Config
	gate   *leakGate
	rounds []RoundRecord
	// history holds the REQUIREMENT text of every accepted round.
	history     []string
	stableCount int
	stopReason  StopReason
}

// New builds a reactor. Invalid strict patterns are skipped with a warning
// at construction, never at round time.
func New(cfg Config) *Reactor {
	return &Reactor{
		cfg:  cfg,
		gate: newLeakGate(cfg.LeakMode, cfg.StrictPatterns),
	}
}

// Stopped reports whether the loop has halted.
func (r *Reactor) Stopped() bool { return r.stopReason != StopNone }

// StopReason returns why the loop halted, or StopNone while running.
func (r *Reactor) StopReason() StopReason { return r.stopReason }

// Rounds returns the recorded rounds in order.
func (r *Reactor) Rounds() []RoundRecord { return r.rounds }

// History returns the accepted REQUIREMENT versions in order.
func (r *Reactor) History() []string { return r.history }

// Step ingests one round. After a stop, further calls are no-ops returning
// the final record.
func (r *Reactor) Step(architectRaw, auditorRaw string) RoundRecord {
	if r.stopReason != StopNone {
		if len(r.rounds) > 0 {
			return r.rounds[len(r.rounds)-1]
		}
		return RoundRecord{RunConfig: r.cfg, StopReason: r.stopReason}
	}

	// 1. Normalize line endings before any measurement.
	architectRaw = canonical.NormalizeNewlines(architectRaw)
	auditorRaw = canonical.NormalizeNewlines(auditorRaw)

	rec := RoundRecord{
		Round:        len(r.rounds) + 1,
		RunConfig:    r.cfg,
		ArchitectRaw: architectRaw,
		AuditorRaw:   auditorRaw,
	}

	// 2. Code-leak gate on both messages.
	for _, text := range []string{architectRaw, auditorRaw} {
		verdict := r.gate.check(text)
		rec.LeakWarnings = append(rec.LeakWarnings, verdict.warnings...)
		if verdict.hit {
			rec.Metrics.CodeLeakHit = true
			rec.ParseErrors = append(rec.ParseErrors, fmt.Sprintf("code leak: %s", verdict.rule))
		}
	}
	if rec.Metrics.CodeLeakHit {
		return r.halt(rec, StopCodeLeak)
	}

	// 3. Parse the section contracts.
	archParsed, archErrs := parseArchitect(architectRaw)
	audParsed, audErrs := parseAuditor(auditorRaw)
	rec.ArchitectParsed = archParsed
	rec.AuditorParsed = audParsed
	for _, e := range archErrs {
		rec.ParseErrors = append(rec.ParseErrors, "architect: "+e)
	}
	for _, e := range audErrs {
		rec.ParseErrors = append(rec.ParseErrors, "auditor: "+e)
	}
	if len(rec.ParseErrors) > 0 {
		return r.halt(rec, StopShapeViolation)
	}

	// 4. Accept the round into history.
	requirement := archParsed[sectionRequirement]
	r.history = append(r.history, requirement)
	n := len(r.history)
	rec.Metrics.N = n

	// 5. Diff floor: consecutive rounds whose requirement barely moves.
	if n >= 2 {
		rec.Metrics.DiffRatio = diffRatio(requirement, r.history[n-2])
		if rec.Metrics.DiffRatio < r.cfg.DiffFloor {
			r.stableCount++
		} else {
			r.stableCount = 0
		}
		rec.Metrics.StableCount = r.stableCount
		if r.stableCount >= r.cfg.StableRounds {
			return r.halt(rec, StopDiffFloor)
		}
	}

	// 6. Circularity: the requirement circling back to the version two
	// rounds ago while moving away from the previous one.
	if n >= 3 {
		rec.Metrics.SimPrev = jaccardShingles(requirement, r.history[n-2], r.cfg.ShingleK)
		rec.Metrics.SimLoop = jaccardShingles(requirement, r.history[n-3], r.cfg.ShingleK)
		if rec.Metrics.SimLoop > rec.Metrics.SimPrev+r.cfg.LoopMargin &&
			rec.Metrics.SimLoop >= r.cfg.MinLoopSim {
			return r.halt(rec, StopCircularity)
		}
	}

	// 7. Hard round bound.
	if n == r.cfg.MaxRounds {
		return r.halt(rec, StopMaxRounds)
	}

	r.rounds = append(r.rounds, rec)
	return rec
}

func (r *Reactor) halt(rec RoundRecord, reason StopReason) RoundRecord {
	rec.StopReason = reason
	r.stopReason = reason
	r.rounds = append(r.rounds, rec)
	return rec
}

// diffRatio measures requirement movement between consecutive rounds as the
// rune-length delta relative to the previous version.
func diffRatio(current, previous string) float64 {
	curLen := len([]rune(current))
	prevLen := len([]rune(previous))
	delta := curLen - prevLen
	if delta < 0 {
		delta = -delta
	}
	denom := prevLen
	if denom < 1 {
		denom = 1
	}
	return float64(delta) / float64(denom)
}

// jaccardShingles computes Jaccard similarity over character k-shingles.
// Texts shorter than k collapse to a single shingle; two empty texts count
// as identical.
func jaccardShingles(a, b string, k int) float64 {
	setA := shingles(a, k)
	setB := shingles(b, k)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func shingles(text string, k int) map[string]struct{} {
	out := make(map[string]struct{})
	runes := []rune(text)
	if len(runes) == 0 {
		return out
	}
	if k < 1 {
		k = 1
	}
	if len(runes) < k {
		out[string(runes)] = struct{}{}
		return out
	}
	for i := 0; i+k <= len(runes); i++ {
		out[string(runes[i:i+k])] = struct{}{}
	}
	return out
}
