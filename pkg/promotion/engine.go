// Package promotion advances the committed index scope: it validates the
// staged plan for one turn, builds the next committed tree beside the
// current one, and swaps the two directories so observers only ever see the
// old snapshot or the new one.
package promotion

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cp "github.com/otiai10/copy"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/events"
	"github.com/orket/orket/pkg/fsatomic"
	"github.com/orket/orket/pkg/lsi"
)

// Engine promotes staged turns into the committed scope of one workspace.
// Promotion is strictly sequential per committed tree; callers serialize.
type Engine struct {
	layout lsi.Layout
}

// New returns an engine for a workspace root.
func New(workspaceRoot string) *Engine {
	return &Engine{layout: lsi.NewLayout(workspaceRoot)}
}

// Result reports one promotion attempt.
type Result struct {
	Outcome       events.Outcome
	TurnID        string
	PromotedStems []string
	Issues        []events.Issue
	Events        []events.Event
}

// PromoteTurn applies the staged state of (runID, turnID) to the committed
// scope. Ledger preflight and tombstone validation reject before anything is
// built; once the swap starts, the operation either completes fully or
// leaves the committed scope byte-identical to its pre-call state.
func (e *Engine) PromoteTurn(runID, turnID string) (Result, error) {
	committed := e.layout.Committed()

	// 1. Sequential-ledger preflight.
	requested, err := lsi.ParseTurnID(turnID)
	if err != nil {
		return failResult(turnID, events.NewIssue(events.CodeBaseShapeInvalidTurnID,
			"/turn_id", err.Error(), nil)), nil
	}
	ledger, err := lsi.ReadLedger(committed)
	if err != nil {
		return Result{}, fmt.Errorf("read ledger: %w", err)
	}
	last, err := lsi.ParseTurnID(ledger.LastPromotedTurnID)
	if err != nil {
		return Result{}, fmt.Errorf("ledger corrupt: %w", err)
	}
	if requested <= last {
		return failResult(turnID, events.NewIssue(events.CodePromotionAlreadyApplied, "",
			fmt.Sprintf("turn %s does not advance the ledger", turnID),
			map[string]any{"requested": turnID, "last_promoted": ledger.LastPromotedTurnID})), nil
	}
	if requested != last+1 {
		return failResult(turnID, events.NewIssue(events.CodePromotionOutOfOrder, "",
			fmt.Sprintf("turn %s skips ahead of the ledger", turnID),
			map[string]any{"requested": turnID, "last_promoted": ledger.LastPromotedTurnID})), nil
	}

	// 2. Collect and validate the staged plan.
	staging := e.layout.StagingTurn(runID, turnID)
	tripletStems, tombstoneStems, err := collectPlan(staging)
	if err != nil {
		return Result{}, err
	}
	if issues := validateTombstones(staging, tombstoneStems, turnID); len(issues) > 0 {
		events.SortIssues(issues)
		res := Result{Outcome: events.OutcomeFail, TurnID: turnID, Issues: issues}
		for _, iss := range issues {
			res.Events = append(res.Events, iss.Event())
		}
		return res, nil
	}

	promoted := unionStems(tripletStems, tombstoneStems)
	tombstoned := make(map[string]bool, len(tombstoneStems))
	for _, s := range tombstoneStems {
		tombstoned[s] = true
	}

	// 3. Empty plan: nothing to build, but the turn is still consumed and
	// the ledger advances so the next turn stays in sequence.
	if len(promoted) == 0 {
		if err := lsi.WriteLedger(committed, lsi.Ledger{
			LSIVersion:         lsi.Version,
			LastPromotedTurnID: turnID,
		}); err != nil {
			return Result{}, fmt.Errorf("write ledger: %w", err)
		}
		if err := os.RemoveAll(staging.Dir()); err != nil {
			return Result{}, fmt.Errorf("remove staging turn dir: %w", err)
		}
		slog.Info("Promotion no-op", "run_id", runID, "turn_id", turnID)
		return Result{
			Outcome: events.OutcomePass,
			TurnID:  turnID,
			Events: []events.Event{events.New(events.CodeNoopPromotion, "",
				"no staged state to promote", map[string]any{"turn_id": turnID})},
		}, nil
	}

	// 4. Build the next committed tree and swap it in.
	multisource, err := e.buildAndSwap(staging, promoted, tombstoned, turnID)
	if err != nil {
		// Cleanup keeps the old committed tree authoritative; a leftover
		// committed.__bak (second rename failed) is repaired at next boot.
		if rmErr := os.RemoveAll(e.layout.CommittedNew().Dir()); rmErr != nil {
			slog.Error("Failed to clean up committed.__new", "error", rmErr)
		}
		slog.Error("Promotion failed", "run_id", runID, "turn_id", turnID, "error", err)
		return failResult(turnID, events.NewIssue(events.CodePromotionFailed, "",
			"promotion did not complete; committed scope rolled back",
			map[string]any{"turn_id": turnID, "reason": err.Error()})), nil
	}

	stemVals := make([]any, len(promoted))
	for i, s := range promoted {
		stemVals[i] = s
	}
	evts := make([]events.Event, 0, len(multisource)+1)
	evts = append(evts, multisource...)
	evts = append(evts, events.New(events.CodePromotionPass, "",
		"turn promoted", map[string]any{"turn_id": turnID, "stems": stemVals}))

	slog.Info("Promotion applied",
		"run_id", runID,
		"turn_id", turnID,
		"stems", len(promoted))

	return Result{
		Outcome:       events.OutcomePass,
		TurnID:        turnID,
		PromotedStems: promoted,
		Events:        evts,
	}, nil
}

// buildAndSwap runs swap steps 1-7. Any error before the first rename
// leaves committed untouched; the caller removes the build dir.
func (e *Engine) buildAndSwap(staging lsi.Scope, promoted []string, tombstoned map[string]bool, turnID string) ([]events.Event, error) {
	committedDir := e.layout.Committed().Dir()
	newScope := e.layout.CommittedNew()
	newDir := newScope.Dir()
	bakDir := e.layout.CommittedBakDir()

	// Step 1: seed the build tree from the current committed snapshot.
	if err := os.RemoveAll(newDir); err != nil {
		return nil, fmt.Errorf("clear stale build dir: %w", err)
	}
	if fsatomic.Exists(committedDir) {
		if err := cp.Copy(committedDir, newDir); err != nil {
			return nil, fmt.Errorf("seed build dir: %w", err)
		}
	} else if err := os.MkdirAll(newDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}

	// Step 2: merge staged objects; content addressing makes existing blobs
	// skippable.
	stagedObjects := staging.Objects().ObjectsDir()
	if fsatomic.Exists(stagedObjects) {
		err := cp.Copy(stagedObjects, newScope.Objects().ObjectsDir(), cp.Options{
			OnDirExists: func(src, dest string) cp.DirExistsAction { return cp.Merge },
			Skip: func(info os.FileInfo, src, dest string) (bool, error) {
				return !info.IsDir() && fsatomic.Exists(dest), nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("merge staged objects: %w", err)
		}
	}

	// Step 3: copy triplet records for the surviving promoted stems.
	for _, stem := range promoted {
		if tombstoned[stem] {
			continue
		}
		data, err := os.ReadFile(staging.TripletPath(stem))
		if err != nil {
			return nil, fmt.Errorf("read staged triplet %s: %w", stem, err)
		}
		if err := fsatomic.WriteFile(newScope.TripletPath(stem), data); err != nil {
			return nil, fmt.Errorf("copy triplet %s: %w", stem, err)
		}
	}

	// Step 4: stem-scoped pruning across every ref record in the build tree.
	dropStems := make(map[string]bool, len(promoted))
	for _, s := range promoted {
		dropStems[s] = true
	}
	if err := pruneRefRecords(newScope, dropStems); err != nil {
		return nil, err
	}

	// Step 5: delete tombstoned triplet records.
	for stem := range tombstoned {
		if err := os.Remove(newScope.TripletPath(stem)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("delete tombstoned triplet %s: %w", stem, err)
		}
	}

	// Step 6: re-derive and inject sources from the promoted links graphs.
	multisource, err := injectSources(newScope, promoted, tombstoned)
	if err != nil {
		return nil, err
	}

	// Step 7: dual rename, then bookkeeping.
	if fsatomic.Exists(bakDir) {
		if err := os.RemoveAll(bakDir); err != nil {
			return nil, fmt.Errorf("clear stale backup dir: %w", err)
		}
	}
	hadCommitted := fsatomic.Exists(committedDir)
	if hadCommitted {
		if err := os.Rename(committedDir, bakDir); err != nil {
			return nil, fmt.Errorf("move committed aside: %w", err)
		}
	}
	if err := os.Rename(newDir, committedDir); err != nil {
		return nil, fmt.Errorf("swap in new committed: %w", err)
	}
	if err := lsi.WriteLedger(e.layout.Committed(), lsi.Ledger{
		LSIVersion:         lsi.Version,
		LastPromotedTurnID: turnID,
	}); err != nil {
		return nil, fmt.Errorf("write ledger: %w", err)
	}
	if hadCommitted {
		if err := os.RemoveAll(bakDir); err != nil {
			return nil, fmt.Errorf("drop backup dir: %w", err)
		}
	}
	if err := os.RemoveAll(staging.Dir()); err != nil {
		return nil, fmt.Errorf("remove staging turn dir: %w", err)
	}
	return multisource, nil
}

// collectPlan walks the staged triplets tree, separating triplet records
// from tombstones by filename suffix.
func collectPlan(staging lsi.Scope) (tripletStems, tombstoneStems []string, err error) {
	root := staging.TripletsDir()
	if !fsatomic.Exists(root) {
		return nil, nil, nil
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case strings.HasSuffix(rel, ".tombstone.json"):
			tombstoneStems = append(tombstoneStems, strings.TrimSuffix(rel, ".tombstone.json"))
		case strings.HasSuffix(rel, ".json"):
			tripletStems = append(tripletStems, strings.TrimSuffix(rel, ".json"))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk staged triplets: %w", err)
	}
	return tripletStems, tombstoneStems, nil
}

// validateTombstones checks every staged tombstone payload against its
// filename-derived stem and the promoting turn.
func validateTombstones(staging lsi.Scope, stems []string, turnID string) []events.Issue {
	var issues []events.Issue
	for _, stem := range stems {
		ts, err := lsi.ReadTombstone(staging, stem)
		if err != nil || ts == nil {
			issues = append(issues, events.NewIssue(events.CodeTombstoneInvalid, "/kind",
				fmt.Sprintf("tombstone for %q is unreadable", stem),
				map[string]any{"stem": stem}))
			continue
		}
		if ts.Kind != lsi.TombstoneKind {
			issues = append(issues, events.NewIssue(events.CodeTombstoneInvalid, "/kind",
				fmt.Sprintf("tombstone kind %q is not %q", ts.Kind, lsi.TombstoneKind),
				map[string]any{"stem": stem}))
		}
		if ts.Stem != stem {
			issues = append(issues, events.NewIssue(events.CodeTombstoneStemMismatch, "/stem",
				fmt.Sprintf("tombstone names stem %q but is filed under %q", ts.Stem, stem),
				map[string]any{"stem": stem, "declared_stem": ts.Stem}))
		}
		if ts.DeletedByTurnID != turnID {
			issues = append(issues, events.NewIssue(events.CodeTombstoneInvalid, "/deleted_by_turn_id",
				fmt.Sprintf("tombstone belongs to %q, promoting %q", ts.DeletedByTurnID, turnID),
				map[string]any{"stem": stem, "deleted_by_turn_id": ts.DeletedByTurnID}))
		}
	}
	return issues
}

// pruneRefRecords removes every source whose stem is being promoted from
// every ref record in the scope. Records are kept even when their sources
// empty out: an empty symbol entry is observable state.
func pruneRefRecords(scope lsi.Scope, dropStems map[string]bool) error {
	root := scope.RefsDir()
	if !fsatomic.Exists(root) {
		return nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		var rec lsi.RefRecord
		if err := fsatomic.ReadJSONInto(path, &rec); err != nil {
			return err
		}
		before := len(rec.Sources)
		rec.Sources = lsi.PruneSources(rec.Sources, dropStems)
		if len(rec.Sources) == before {
			return nil
		}
		return fsatomic.WriteJSON(path, rec)
	})
	if err != nil {
		return fmt.Errorf("prune ref records: %w", err)
	}
	return nil
}

// injectSources re-derives the symbol table contributions of the promoted
// stems from their stored links blobs and merges them into the scope's ref
// records. Returns the multisource observations.
func injectSources(scope lsi.Scope, promoted []string, tombstoned map[string]bool) ([]events.Event, error) {
	type refKey struct{ refType, refID string }
	additions := make(map[refKey][]lsi.RefSource)

	store := scope.Objects()
	for _, stem := range promoted {
		if tombstoned[stem] {
			continue
		}
		rec, err := lsi.ReadTripletRecord(scope, stem)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("promoted stem %q has no triplet record", stem)
		}
		data, err := store.Get(rec.LinksDigest)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("links blob %s missing for stem %q", rec.LinksDigest, stem)
		}
		v, err := canonical.DecodeJSON(data)
		if err != nil {
			return nil, fmt.Errorf("decode links blob for %q: %w", stem, err)
		}
		linksObj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("links blob for %q is not an object", stem)
		}
		for _, ref := range lsi.ExtractRefs(linksObj) {
			k := refKey{ref.Type, ref.ID}
			additions[k] = append(additions[k], lsi.RefSource{
				Stem:           stem,
				Location:       ref.Pointer,
				Relationship:   ref.Relationship,
				ArtifactDigest: rec.BodyDigest,
			})
		}
	}

	keys := make([]refKey, 0, len(additions))
	for k := range additions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].refType != keys[j].refType {
			return keys[i].refType < keys[j].refType
		}
		return keys[i].refID < keys[j].refID
	})

	var multisource []events.Event
	for _, k := range keys {
		rec, err := lsi.ReadRefRecord(scope, k.refType, k.refID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			rec = &lsi.RefRecord{LSIVersion: lsi.Version, Type: k.refType, ID: k.refID}
		}
		rec.Sources = append(rec.Sources, additions[k]...)
		lsi.SortSources(rec.Sources)
		if err := fsatomic.WriteJSON(scope.RefPath(k.refType, k.refID), rec); err != nil {
			return nil, fmt.Errorf("write ref record %s/%s: %w", k.refType, k.refID, err)
		}

		stems := distinctStems(rec.Sources)
		if len(stems) > 1 {
			multisource = append(multisource, events.New(events.CodeRefMultisource, "",
				"symbol registered by multiple stems",
				map[string]any{"type": k.refType, "id": k.refID, "stems": stems}))
		}
	}
	return multisource, nil
}

func distinctStems(sources []lsi.RefSource) []any {
	seen := make(map[string]bool)
	var out []any
	for _, s := range sources {
		if !seen[s.Stem] {
			seen[s.Stem] = true
			out = append(out, s.Stem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].(string) < out[j].(string) })
	return out
}

func unionStems(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func failResult(turnID string, iss events.Issue) Result {
	return Result{
		Outcome: events.OutcomeFail,
		TurnID:  turnID,
		Issues:  []events.Issue{iss},
		Events:  []events.Event{iss.Event()},
	}
}
