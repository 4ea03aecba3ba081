// Package lsi implements the local sovereign index: a per-workspace,
// filesystem-backed record of artifact triplets (body, links, manifest) and
// the refs-by-id table derived from their link graphs.
//
// The index has two kinds of scope sharing one directory shape: staging
// scopes owned by a single (run, turn) pair, and the committed scope that
// promotion advances atomically. All blob content is content-addressed;
// records are small JSON files written atomically; nothing in a scope is
// ever partially visible.
package lsi

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/events"
	"github.com/orket/orket/pkg/fsatomic"
)

// Index is the staging-side API over one workspace's index tree.
type Index struct {
	layout Layout
}

// New opens the index of a workspace root. Directories appear lazily on
// first write.
func New(workspaceRoot string) *Index {
	return &Index{layout: NewLayout(workspaceRoot)}
}

// Layout exposes the path schema, shared with the promotion engine.
func (ix *Index) Layout() Layout { return ix.layout }

// StageResult reports one staging call. Issues carry error severity only
// when the call rejected; Events mirror every issue for the transcript.
type StageResult struct {
	Outcome        events.Outcome
	Stem           string
	BodyDigest     string
	LinksDigest    string
	ManifestDigest string
	Issues         []events.Issue
	Events         []events.Event
}

// StageTriplet canonicalizes body/links/manifest, stores their blobs in the
// turn scope, writes the triplet record, and updates refs-by-id from the
// links graph. Shape failures reject before anything is written.
func (ix *Index) StageTriplet(runID, turnID, stem string, body, links, manifest any) (StageResult, error) {
	// 1. Identity and payload shape checks, no side effects on failure.
	issues := checkStageIdentity(runID, turnID, stem)

	bodyObj, ok := body.(map[string]any)
	if !ok {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeInvalidBody,
			"/body", "body must be a JSON object", nil))
	}
	linksObj, ok := links.(map[string]any)
	if !ok {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeInvalidLinks,
			"/links", "links must be a JSON object", nil))
	}
	if _, ok := manifest.(map[string]any); !ok {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeInvalidManifest,
			"/manifest", "manifest must be a JSON object", nil))
	}
	if len(issues) > 0 {
		return stageRejected(stem, issues), nil
	}

	// 2. Canonicalize all three parts. The digest form (non-semantic keys
	// stripped) is both the blob content and the blob name.
	bodyBytes, err := canonical.DigestBytes(bodyObj)
	if err != nil {
		issues = append(issues, canonicalIssue(events.CodeBaseShapeInvalidBody, "/body", err))
	}
	linksBytes, lerr := canonical.DigestBytes(linksObj)
	if lerr != nil {
		issues = append(issues, canonicalIssue(events.CodeBaseShapeInvalidLinks, "/links", lerr))
	}
	manifestBytes, merr := canonical.DigestBytes(manifest)
	if merr != nil {
		issues = append(issues, canonicalIssue(events.CodeBaseShapeInvalidManifest, "/manifest", merr))
	}
	if len(issues) > 0 {
		return stageRejected(stem, issues), nil
	}

	bodyDigest := canonical.StructuralDigest(bodyBytes)
	linksDigest := canonical.StructuralDigest(linksBytes)
	manifestDigest := canonical.StructuralDigest(manifestBytes)

	// 3. Store the blobs in the turn scope.
	scope := ix.layout.StagingTurn(runID, turnID)
	store := scope.Objects()
	if err := store.Put(bodyDigest, bodyBytes); err != nil {
		return StageResult{}, fmt.Errorf("store body blob for %s: %w", stem, err)
	}
	if err := store.Put(linksDigest, linksBytes); err != nil {
		return StageResult{}, fmt.Errorf("store links blob for %s: %w", stem, err)
	}
	if err := store.Put(manifestDigest, manifestBytes); err != nil {
		return StageResult{}, fmt.Errorf("store manifest blob for %s: %w", stem, err)
	}

	// 4. Write the triplet record.
	record := TripletRecord{
		LSIVersion:     Version,
		Stem:           stem,
		DTOType:        dtoTypeOf(bodyObj),
		BodyDigest:     bodyDigest,
		LinksDigest:    linksDigest,
		ManifestDigest: manifestDigest,
		UpdatedAtTurn:  turnID,
	}
	if err := fsatomic.WriteJSON(scope.TripletPath(stem), record); err != nil {
		return StageResult{}, fmt.Errorf("write triplet record for %s: %w", stem, err)
	}

	// 5. Update refs-by-id from the stored canonical links form, so the refs
	// staged here are exactly the refs validation will enumerate later.
	storedLinks, err := canonical.DecodeJSON(linksBytes)
	if err != nil {
		return StageResult{}, fmt.Errorf("reparse stored links for %s: %w", stem, err)
	}
	refs := ExtractRefs(storedLinks.(map[string]any))
	if err := updateRefRecords(scope, stem, bodyDigest, refs); err != nil {
		return StageResult{}, err
	}

	slog.Debug("Staged triplet",
		"run_id", runID,
		"turn_id", turnID,
		"stem", stem,
		"refs", len(refs))

	return StageResult{
		Outcome:        events.OutcomePass,
		Stem:           stem,
		BodyDigest:     bodyDigest,
		LinksDigest:    linksDigest,
		ManifestDigest: manifestDigest,
	}, nil
}

// StageTombstone records a deletion intent for stem in the turn scope. The
// payload itself is validated at promotion time; staging only guards the
// identifiers that become file paths.
func (ix *Index) StageTombstone(runID, turnID string, ts Tombstone) (StageResult, error) {
	issues := checkStageIdentity(runID, turnID, ts.Stem)
	if len(issues) > 0 {
		return stageRejected(ts.Stem, issues), nil
	}

	scope := ix.layout.StagingTurn(runID, turnID)
	if err := fsatomic.WriteJSON(scope.TombstonePath(ts.Stem), ts); err != nil {
		return StageResult{}, fmt.Errorf("write tombstone for %s: %w", ts.Stem, err)
	}

	slog.Debug("Staged tombstone",
		"run_id", runID,
		"turn_id", turnID,
		"stem", ts.Stem)

	return StageResult{Outcome: events.OutcomePass, Stem: ts.Stem}, nil
}

func checkStageIdentity(runID, turnID, stem string) []events.Issue {
	var issues []events.Issue
	if runID == "" {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeMissingRunID,
			"/run_id", "run id is required", nil))
	}
	if _, err := ParseTurnID(turnID); err != nil {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeInvalidTurnID,
			"/turn_id", err.Error(), nil))
	}
	if err := ValidateStem(stem); err != nil {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeInvalidStem,
			"/stem", err.Error(), nil))
	}
	return issues
}

func stageRejected(stem string, issues []events.Issue) StageResult {
	events.SortIssues(issues)
	return StageResult{
		Outcome: events.OutcomeFail,
		Stem:    stem,
		Issues:  issues,
		Events:  issueEvents(issues),
	}
}

func issueEvents(issues []events.Issue) []events.Event {
	out := make([]events.Event, len(issues))
	for i, iss := range issues {
		out[i] = iss.Event()
	}
	return out
}

func canonicalIssue(code, base string, err error) events.Issue {
	if cerr, ok := asCanonicalError(err); ok {
		return events.NewIssue(code, base+cerr.Path, cerr.Reason, nil)
	}
	return events.NewIssue(code, base, err.Error(), nil)
}

func asCanonicalError(err error) (*canonical.Error, bool) {
	var cerr *canonical.Error
	if errors.As(err, &cerr) {
		return cerr, true
	}
	return nil, false
}

func dtoTypeOf(body map[string]any) string {
	if s, ok := body["dto_type"].(string); ok {
		return strings.ToLower(s)
	}
	return ""
}

// updateRefRecords rewrites the refs-by-id records touched by one staged
// stem: prune the stem's old sources, add the new ones, keep the sort
// stable. Records are visited in (type, id) order so repeated staging calls
// touch files in the same sequence.
func updateRefRecords(scope Scope, stem, bodyDigest string, refs []Ref) error {
	type refKey struct{ refType, refID string }
	groups := make(map[refKey][]RefSource)
	for _, ref := range refs {
		k := refKey{ref.Type, ref.ID}
		groups[k] = append(groups[k], RefSource{
			Stem:           stem,
			Location:       ref.Pointer,
			Relationship:   ref.Relationship,
			ArtifactDigest: bodyDigest,
		})
	}

	keys := make([]refKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].refType != keys[j].refType {
			return keys[i].refType < keys[j].refType
		}
		return keys[i].refID < keys[j].refID
	})

	for _, k := range keys {
		rec, err := ReadRefRecord(scope, k.refType, k.refID)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &RefRecord{LSIVersion: Version, Type: k.refType, ID: k.refID}
		}
		rec.Sources = PruneSources(rec.Sources, map[string]bool{stem: true})
		rec.Sources = append(rec.Sources, groups[k]...)
		SortSources(rec.Sources)
		if err := fsatomic.WriteJSON(scope.RefPath(k.refType, k.refID), rec); err != nil {
			return fmt.Errorf("write ref record %s/%s: %w", k.refType, k.refID, err)
		}
	}
	return nil
}
