package lsi

import (
	"fmt"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/events"
)

// VisibilityMode controls which index layers link validation may satisfy a
// ref from.
type VisibilityMode string

const (
	// VisibilityFull probes self, then staging, then committed.
	VisibilityFull VisibilityMode = "full"
	// VisibilityCommittedOnly ignores staged state entirely.
	VisibilityCommittedOnly VisibilityMode = "committed_only"
)

// ParseVisibilityMode validates a wire-level mode string.
func ParseVisibilityMode(s string) (VisibilityMode, error) {
	switch VisibilityMode(s) {
	case VisibilityFull, VisibilityCommittedOnly:
		return VisibilityMode(s), nil
	}
	return "", fmt.Errorf("unknown visibility mode %q", s)
}

// Visibility layers, in probe order.
const (
	LayerSelf      = "self"
	LayerStaging   = "staging"
	LayerCommitted = "committed"
)

// ValidationResult reports one link-validation pass.
type ValidationResult struct {
	Outcome events.Outcome
	Issues  []events.Issue
	Events  []events.Event
}

// ValidateLinks checks every ref declared by the staged stem against the
// index. A ref is satisfied by the first layer that knows its (type, id):
// the stem's own staged sources, any staged sources, then committed sources.
// Refs visible nowhere are orphans.
func (ix *Index) ValidateLinks(runID, turnID, stem string, mode VisibilityMode) (ValidationResult, error) {
	staging := ix.layout.StagingTurn(runID, turnID)
	committed := ix.layout.Committed()

	// 1. The stem must have been staged in this turn.
	rec, err := ReadTripletRecord(staging, stem)
	if err != nil {
		return ValidationResult{}, err
	}
	if rec == nil {
		iss := events.NewIssue(events.CodeRelationshipOrphan, "/ci/schema",
			fmt.Sprintf("no staged triplet for stem %q", stem),
			map[string]any{"stem": stem})
		return failValidation(iss), nil
	}

	// 2. Load the stored links blob; it is the source of truth for what this
	// stem declares.
	linksObj, badLinks, err := ix.loadLinksBlob(staging, rec.LinksDigest)
	if err != nil {
		return ValidationResult{}, err
	}
	if badLinks != nil {
		return failValidation(*badLinks), nil
	}

	// 3. Enumerate refs in (pointer, type, id) order and probe each layer.
	refs := ExtractRefs(linksObj)
	SortRefs(refs)

	var issues []events.Issue
	var evts []events.Event
	for _, ref := range refs {
		layer, visible, err := probeRef(staging, committed, stem, ref, mode)
		if err != nil {
			return ValidationResult{}, err
		}
		if visible {
			evts = append(evts, events.New(events.CodeRefVisible, ref.Pointer,
				"reference visible",
				map[string]any{"type": ref.Type, "id": ref.ID, "layer": layer}))
			continue
		}
		iss := events.NewIssue(events.CodeRelationshipOrphan, ref.Pointer+"/id",
			"reference target not visible in any layer",
			map[string]any{"type": ref.Type, "id": ref.ID})
		issues = append(issues, iss)
		evts = append(evts, iss.Event())
	}

	events.SortIssues(issues)
	return ValidationResult{
		Outcome: events.OutcomeFromIssues(issues),
		Issues:  issues,
		Events:  evts,
	}, nil
}

// loadLinksBlob fetches and decodes a links blob. Malformed or missing blob
// content is a validation issue, not an environment fault.
func (ix *Index) loadLinksBlob(scope Scope, digest string) (map[string]any, *events.Issue, error) {
	data, err := scope.Objects().Get(digest)
	if err != nil {
		return nil, nil, err
	}
	if data == nil {
		iss := events.NewIssue(events.CodeBaseShapeInvalidLinks, "/links",
			"links blob missing from object store",
			map[string]any{"links_digest": digest})
		return nil, &iss, nil
	}
	v, err := canonical.DecodeJSON(data)
	if err != nil {
		iss := events.NewIssue(events.CodeBaseShapeInvalidLinks, "/links",
			"links blob is not valid JSON", nil)
		return nil, &iss, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		iss := events.NewIssue(events.CodeBaseShapeInvalidLinks, "/links",
			"links value must be a JSON object", nil)
		return nil, &iss, nil
	}
	return obj, nil, nil
}

// probeRef decides which layer satisfies a ref. The source registered by the
// ref itself (same stem, same location) is never evidence: a dangling
// declaration cannot vouch for its own target. Another declaration by the
// same stem counts as self-visibility; any other staged declaration counts
// as staging; the committed symbol table is taken as-is.
func probeRef(staging, committed Scope, stem string, ref Ref, mode VisibilityMode) (string, bool, error) {
	if mode != VisibilityCommittedOnly {
		sources, err := ReadRefSources(staging, ref.Type, ref.ID)
		if err != nil {
			return "", false, err
		}
		var selfOther, foreign bool
		for _, s := range sources {
			if s.Stem == stem && s.Location == ref.Pointer {
				continue
			}
			if s.Stem == stem {
				selfOther = true
			} else {
				foreign = true
			}
		}
		if selfOther {
			return LayerSelf, true, nil
		}
		if foreign {
			return LayerStaging, true, nil
		}
	}
	sources, err := ReadRefSources(committed, ref.Type, ref.ID)
	if err != nil {
		return "", false, err
	}
	if len(sources) > 0 {
		return LayerCommitted, true, nil
	}
	return "", false, nil
}

func failValidation(iss events.Issue) ValidationResult {
	return ValidationResult{
		Outcome: events.OutcomeFail,
		Issues:  []events.Issue{iss},
		Events:  []events.Event{iss.Event()},
	}
}
