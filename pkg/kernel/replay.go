package kernel

import (
	"sort"

	"github.com/orket/orket/pkg/events"
	"github.com/orket/orket/pkg/fsatomic"
	"github.com/orket/orket/pkg/lsi"
)

// CompareModeStructural is the only supported comparison mode: two runs are
// equivalent when their structural surfaces match, regardless of wall-clock
// order or run identity.
const CompareModeStructural = "structural_parity"

// RunDescriptor is the durable record of one finished run: everything replay
// comparison needs, nothing it does not.
type RunDescriptor struct {
	ContractVersion string         `json:"contract_version"`
	SchemaVersion   string         `json:"schema_version"`
	RunID           string         `json:"run_id"`
	WorkflowID      string         `json:"workflow_id"`
	Outcome         events.Outcome `json:"outcome"`
	TurnDigests     []string       `json:"turn_digests"`
	StageOutcomes   []string       `json:"stage_outcomes"`
	IssueCodes      []string       `json:"issue_codes"`
	EventCodes      []string       `json:"event_codes"`
}

func (d RunDescriptor) write(layout lsi.Layout) error {
	return fsatomic.WriteJSON(layout.RunDescriptorPath(d.RunID), d)
}

// LoadRunDescriptor reads a finished run's descriptor from a workspace.
func LoadRunDescriptor(workspaceRoot, runID string) (RunDescriptor, error) {
	var desc RunDescriptor
	path := lsi.NewLayout(workspaceRoot).RunDescriptorPath(runID)
	if err := fsatomic.ReadJSONInto(path, &desc); err != nil {
		return RunDescriptor{}, err
	}
	return desc, nil
}

// ReplayRun checks a descriptor's fitness for replay: required fields
// present and versions matching this kernel build.
func ReplayRun(desc RunDescriptor) Result {
	var issues []events.Issue

	required := []struct {
		field string
		value string
	}{
		{"contract_version", desc.ContractVersion},
		{"schema_version", desc.SchemaVersion},
		{"run_id", desc.RunID},
		{"workflow_id", desc.WorkflowID},
		{"outcome", string(desc.Outcome)},
	}
	for _, r := range required {
		if r.value == "" {
			issues = append(issues, events.NewIssue(events.CodeReplayInputMissing,
				"/"+r.field, "required replay input is missing", nil))
		}
	}

	if desc.ContractVersion != "" && desc.ContractVersion != ContractVersion {
		issues = append(issues, events.NewIssue(events.CodeReplayVersionMismatch,
			"/contract_version", "descriptor contract version does not match this kernel",
			map[string]any{"expected": ContractVersion, "got": desc.ContractVersion}))
	}
	if desc.SchemaVersion != "" && desc.SchemaVersion != SchemaVersion {
		issues = append(issues, events.NewIssue(events.CodeReplayVersionMismatch,
			"/schema_version", "descriptor schema version does not match this kernel",
			map[string]any{"expected": SchemaVersion, "got": desc.SchemaVersion}))
	}

	if len(issues) > 0 {
		return failedResult(issues)
	}
	return Result{Outcome: events.OutcomePass}
}

// CompareResult reports one run comparison.
type CompareResult struct {
	Outcome        events.Outcome `json:"outcome"`
	Matches        int            `json:"matches"`
	Mismatches     int            `json:"mismatches"`
	MismatchFields []string       `json:"mismatch_fields,omitempty"`
	Issues         []events.Issue `json:"issues,omitempty"`
}

// CompareRuns decides structural parity between two finished runs. Six
// surfaces are compared; the order-insensitive ones are compared as sorted
// copies, so two runs that did the same work in a different interleaving
// still match.
func CompareRuns(a, b RunDescriptor, mode string) CompareResult {
	if mode != CompareModeStructural {
		iss := events.NewIssue(events.CodeReplayInvalidMode, "/compare_mode",
			"unknown comparison mode",
			map[string]any{"mode": mode, "supported": CompareModeStructural})
		return CompareResult{
			Outcome: events.OutcomeFail,
			Issues:  []events.Issue{iss},
		}
	}

	surfaces := []struct {
		field string
		equal bool
	}{
		{"contract_version", a.ContractVersion == b.ContractVersion},
		{"schema_version", a.SchemaVersion == b.SchemaVersion},
		{"turn_digests", sortedEqual(a.TurnDigests, b.TurnDigests)},
		{"stage_outcomes", sortedEqual(a.StageOutcomes, b.StageOutcomes)},
		{"issue_codes", sortedEqual(a.IssueCodes, b.IssueCodes)},
		{"event_codes", sortedEqual(a.EventCodes, b.EventCodes)},
	}

	res := CompareResult{Outcome: events.OutcomePass}
	for _, s := range surfaces {
		if s.equal {
			res.Matches++
			continue
		}
		res.Mismatches++
		res.MismatchFields = append(res.MismatchFields, s.field)
	}

	if res.Mismatches > 0 {
		fields := make([]any, len(res.MismatchFields))
		for i, f := range res.MismatchFields {
			fields[i] = f
		}
		res.Outcome = events.OutcomeFail
		res.Issues = []events.Issue{events.NewIssue(events.CodeReplayEquivalenceFailed, "",
			"runs are not structurally equivalent",
			map[string]any{"mismatch_fields": fields})}
	}
	return res
}

// sortedEqual compares two string sets as sorted copies.
func sortedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
