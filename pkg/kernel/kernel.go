// Package kernel is the validator front-end over the index: it owns run
// lifecycle, executes turns against the staging and promotion layers, gates
// tool calls through the capability policy, and emits the digestable turn
// results that replay comparison consumes.
//
// Domain failures never surface as Go errors. Every rejection is an issue
// with a registered code inside the result; the error return is reserved for
// environment faults (I/O, corrupt state) the caller cannot interpret.
package kernel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/events"
	"github.com/orket/orket/pkg/lsi"
	"github.com/orket/orket/pkg/promotion"
)

// Contract and schema versions stamped into every turn result and run
// descriptor. Replay comparison refuses to compare across versions.
const (
	ContractVersion = "kernel_api/v1"
	SchemaVersion   = "turn_result/v1"
)

// CommitIntent selects what ExecuteTurn does after staging.
type CommitIntent string

const (
	// IntentStageOnly stages and validates without touching the ledger.
	IntentStageOnly CommitIntent = "stage_only"
	// IntentStagePromote additionally promotes the turn when it is clean.
	IntentStagePromote CommitIntent = "stage_and_request_promotion"
)

// ParseCommitIntent validates a wire-level intent string.
func ParseCommitIntent(s string) (CommitIntent, error) {
	switch CommitIntent(s) {
	case IntentStageOnly, IntentStagePromote:
		return CommitIntent(s), nil
	}
	return "", fmt.Errorf("unknown commit intent %q", s)
}

// RunHandle identifies one live run. Handles are plain values; the kernel
// keys its state by RunID only.
type RunHandle struct {
	RunID          string             `json:"run_id"`
	WorkflowID     string             `json:"workflow_id"`
	VisibilityMode lsi.VisibilityMode `json:"visibility_mode"`
	WorkspaceRoot  string             `json:"workspace_root"`
}

// Result is the generic verdict shape for run-level operations.
type Result struct {
	Outcome events.Outcome `json:"outcome"`
	Issues  []events.Issue `json:"issues,omitempty"`
	Events  []events.Event `json:"events,omitempty"`
}

// Transition reports the committed ledger position around one turn.
type Transition struct {
	LastPromotedBefore string `json:"last_promoted_before"`
	LastPromotedAfter  string `json:"last_promoted_after"`
}

// StageTripletInput carries one triplet to stage.
type StageTripletInput struct {
	Stem     string `json:"stem"`
	Body     any    `json:"body"`
	Links    any    `json:"links"`
	Manifest any    `json:"manifest"`
}

// TurnInput bundles the optional actions of one turn. All present actions
// execute, in the fixed order triplet, tombstone, tool call.
type TurnInput struct {
	StageTriplet   *StageTripletInput `json:"stage_triplet,omitempty"`
	StageTombstone *lsi.Tombstone     `json:"stage_tombstone,omitempty"`
	ToolCall       *ToolRequest       `json:"tool_call,omitempty"`
}

// TurnResult is the contract record of one executed turn. Its digest is the
// canonical digest of the record with the digest field zeroed; run ids and
// other non-semantic keys fall away during digesting, so equal work in
// different runs yields equal digests.
type TurnResult struct {
	ContractVersion  string         `json:"contract_version"`
	SchemaVersion    string         `json:"schema_version"`
	RunID            string         `json:"run_id"`
	TurnID           string         `json:"turn_id"`
	Outcome          events.Outcome `json:"outcome"`
	Stage            string         `json:"stage"`
	Issues           []events.Issue `json:"issues,omitempty"`
	Events           []events.Event `json:"events,omitempty"`
	Transition       Transition     `json:"transition"`
	Capabilities     []Decision     `json:"capabilities,omitempty"`
	TurnResultDigest string         `json:"turn_result_digest"`
}

// runState is everything the kernel tracks for one live run.
type runState struct {
	handle   RunHandle
	index    *lsi.Index
	engine   *promotion.Engine
	finished bool

	turnDigests   []string
	stageOutcomes []string
	issueCodes    []string
	eventCodes    []string
}

// Kernel coordinates runs over per-run workspaces. Safe for concurrent use;
// turns within one workspace still execute under the kernel lock, which is
// what keeps promotion strictly sequential.
type Kernel struct {
	mu     sync.Mutex
	policy *CapabilityPolicy
	runs   map[string]*runState
}

// New builds a kernel. A nil policy selects DefaultPolicy.
func New(policy *CapabilityPolicy) *Kernel {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Kernel{
		policy: policy,
		runs:   make(map[string]*runState),
	}
}

// StartRun opens a run against a workspace. Committed recovery happens here,
// before the run can observe any index state.
func (k *Kernel) StartRun(workflowID, visibilityMode, workspaceRoot string) (RunHandle, Result) {
	var issues []events.Issue

	mode, err := lsi.ParseVisibilityMode(visibilityMode)
	if err != nil {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeInvalidVisibility,
			"/visibility_mode", err.Error(), nil))
	}
	if workspaceRoot == "" {
		issues = append(issues, events.NewIssue(events.CodeBaseShapeMissingWorkspaceRoot,
			"/workspace_root", "workspace root is required", nil))
	}
	if len(issues) > 0 {
		return RunHandle{}, failedResult(issues)
	}

	if err := promotion.RecoverCommitted(workspaceRoot); err != nil {
		iss := events.NewIssue(events.CodePromotionFailed, "/workspace_root",
			"committed scope recovery failed",
			map[string]any{"reason": err.Error()})
		return RunHandle{}, failedResult([]events.Issue{iss})
	}

	handle := RunHandle{
		RunID:          "run-" + uuid.NewString(),
		WorkflowID:     workflowID,
		VisibilityMode: mode,
		WorkspaceRoot:  workspaceRoot,
	}

	k.mu.Lock()
	k.runs[handle.RunID] = &runState{
		handle: handle,
		index:  lsi.New(workspaceRoot),
		engine: promotion.New(workspaceRoot),
	}
	k.mu.Unlock()

	slog.Info("Run started",
		"run_id", handle.RunID,
		"workflow_id", workflowID,
		"visibility_mode", string(mode))

	return handle, Result{Outcome: events.OutcomePass}
}

// ExecuteTurn runs one turn: stage, validate, authorize, optionally promote.
// The returned result is complete even on failure; the error return fires
// only on environment faults.
func (k *Kernel) ExecuteTurn(handle RunHandle, turnID string, intent CommitIntent, input TurnInput) (TurnResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	// 1. The run must be known and still open.
	run, ok := k.runs[handle.RunID]
	if !ok {
		iss := events.NewIssue(events.CodeBaseShapeMissingRunID, "/run_id",
			fmt.Sprintf("run %q is not registered", handle.RunID), nil)
		return k.sealTurn(nil, handle.RunID, turnID, turnScratch{
			stage:  events.StageSchema,
			issues: []events.Issue{iss},
			events: []events.Event{iss.Event()},
		})
	}
	if run.finished {
		iss := events.NewIssue(events.CodeRunFinished, "/run_id",
			fmt.Sprintf("run %q has already finished", handle.RunID), nil)
		return k.sealTurn(nil, handle.RunID, turnID, turnScratch{
			stage:  events.StageRun,
			issues: []events.Issue{iss},
			events: []events.Event{iss.Event()},
		})
	}

	// 2. Capture the ledger position, then shape-check turn id and commit
	// intent before touching the index.
	committed := run.index.Layout().Committed()
	ledgerBefore, err := lsi.ReadLedger(committed)
	if err != nil {
		return TurnResult{}, fmt.Errorf("read ledger: %w", err)
	}
	scratch := turnScratch{stage: events.StageSchema}
	scratch.transition.LastPromotedBefore = ledgerBefore.LastPromotedTurnID
	scratch.transition.LastPromotedAfter = ledgerBefore.LastPromotedTurnID

	if _, err := lsi.ParseTurnID(turnID); err != nil {
		scratch.addIssue(events.NewIssue(events.CodeBaseShapeInvalidTurnID,
			"/turn_id", err.Error(), nil))
	}
	if _, err := ParseCommitIntent(string(intent)); err != nil {
		scratch.addIssue(events.NewIssue(events.CodeBaseShapeInvalidCommitIntent,
			"/commit_intent", err.Error(), nil))
	}
	if len(scratch.issues) > 0 {
		return k.sealTurn(run, handle.RunID, turnID, scratch)
	}

	// 3. Stage the triplet and validate its links under the run's visibility.
	if input.StageTriplet != nil {
		in := input.StageTriplet
		staged, err := run.index.StageTriplet(handle.RunID, turnID, in.Stem, in.Body, in.Links, in.Manifest)
		if err != nil {
			return TurnResult{}, err
		}
		scratch.merge(staged.Issues, staged.Events)
		if staged.Outcome == events.OutcomePass {
			scratch.reach(events.StageLinks)
			validated, err := run.index.ValidateLinks(handle.RunID, turnID, in.Stem, handle.VisibilityMode)
			if err != nil {
				return TurnResult{}, err
			}
			scratch.merge(validated.Issues, validated.Events)
		}
	}

	// 4. Stage the tombstone.
	if input.StageTombstone != nil {
		staged, err := run.index.StageTombstone(handle.RunID, turnID, *input.StageTombstone)
		if err != nil {
			return TurnResult{}, err
		}
		scratch.merge(staged.Issues, staged.Events)
	}

	// 5. Authorize the tool call.
	if input.ToolCall != nil {
		req := *input.ToolCall
		capCtx, _ := k.policy.Resolve(req.Role, req.Task, req.Overrides)
		decision := k.policy.Authorize(capCtx, req)
		scratch.reach(events.StageCapability)
		scratch.capabilities = append(scratch.capabilities, decision)

		details := map[string]any{"result": decision.Result, "tool": req.Tool}
		if decision.Result == DecisionDeny {
			scratch.addIssue(events.NewIssue(decision.ReasonCode, "/tool_call",
				fmt.Sprintf("tool %q denied for (%s, %s)", req.Tool, req.Role, req.Task),
				details))
		} else {
			scratch.events = append(scratch.events,
				events.New(decision.ReasonCode, "/tool_call", "tool call gated", details))
		}
	}

	// 6. Promote only a clean turn. A turn with error issues keeps its
	// staged state and the ledger untouched, so the caller can retry the
	// same turn id after repairing.
	if intent == IntentStagePromote && !events.HasErrors(scratch.issues) {
		scratch.reach(events.StagePromotion)
		promoted, err := run.engine.PromoteTurn(handle.RunID, turnID)
		if err != nil {
			return TurnResult{}, err
		}
		scratch.merge(promoted.Issues, promoted.Events)
		ledgerAfter, err := lsi.ReadLedger(committed)
		if err != nil {
			return TurnResult{}, fmt.Errorf("read ledger: %w", err)
		}
		scratch.transition.LastPromotedAfter = ledgerAfter.LastPromotedTurnID
	}

	return k.sealTurn(run, handle.RunID, turnID, scratch)
}

// FinishRun closes a run and writes its descriptor for replay. Further turns
// and a second finish both reject.
func (k *Kernel) FinishRun(handle RunHandle, outcome events.Outcome) (RunDescriptor, Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	run, ok := k.runs[handle.RunID]
	if !ok {
		iss := events.NewIssue(events.CodeBaseShapeMissingRunID, "/run_id",
			fmt.Sprintf("run %q is not registered", handle.RunID), nil)
		return RunDescriptor{}, failedResult([]events.Issue{iss}), nil
	}
	if run.finished {
		iss := events.NewIssue(events.CodeRunFinished, "/run_id",
			fmt.Sprintf("run %q has already finished", handle.RunID), nil)
		return RunDescriptor{}, failedResult([]events.Issue{iss}), nil
	}
	if outcome != events.OutcomePass && outcome != events.OutcomeFail {
		iss := events.NewIssue(events.CodeBaseShapeInvalidOutcome, "/outcome",
			fmt.Sprintf("outcome %q is not PASS or FAIL", outcome), nil)
		return RunDescriptor{}, failedResult([]events.Issue{iss}), nil
	}

	desc := RunDescriptor{
		ContractVersion: ContractVersion,
		SchemaVersion:   SchemaVersion,
		RunID:           handle.RunID,
		WorkflowID:      run.handle.WorkflowID,
		Outcome:         outcome,
		TurnDigests:     append([]string(nil), run.turnDigests...),
		StageOutcomes:   append([]string(nil), run.stageOutcomes...),
		IssueCodes:      append([]string(nil), run.issueCodes...),
		EventCodes:      append([]string(nil), run.eventCodes...),
	}
	if err := desc.write(run.index.Layout()); err != nil {
		return RunDescriptor{}, Result{}, err
	}
	run.finished = true

	slog.Info("Run finished",
		"run_id", handle.RunID,
		"outcome", string(outcome),
		"turns", len(desc.TurnDigests))

	return desc, Result{Outcome: events.OutcomePass}, nil
}

// ResolveCapability resolves the capability context of (role, task) with
// overrides applied.
func (k *Kernel) ResolveCapability(role, task string, ov Overrides) (CapabilityContext, Decision) {
	return k.policy.Resolve(role, task, ov)
}

// AuthorizeToolCall gates one tool request against a resolved context.
func (k *Kernel) AuthorizeToolCall(ctx CapabilityContext, req ToolRequest) Decision {
	return k.policy.Authorize(ctx, req)
}

// turnScratch accumulates the moving parts of one turn before sealing.
type turnScratch struct {
	stage        string
	issues       []events.Issue
	events       []events.Event
	capabilities []Decision
	transition   Transition
}

func (t *turnScratch) addIssue(iss events.Issue) {
	t.issues = append(t.issues, iss)
	t.events = append(t.events, iss.Event())
}

func (t *turnScratch) merge(issues []events.Issue, evts []events.Event) {
	t.issues = append(t.issues, issues...)
	t.events = append(t.events, evts...)
}

// reach advances the furthest-stage marker; stages only move forward.
func (t *turnScratch) reach(stage string) {
	if stageRank[stage] > stageRank[t.stage] {
		t.stage = stage
	}
}

var stageRank = map[string]int{
	events.StageSchema:     1,
	events.StageLinks:      2,
	events.StageCapability: 3,
	events.StagePromotion:  4,
	events.StageRun:        5,
}

// sealTurn finalizes a turn result: sort issues, derive the outcome, compute
// the digest, and record the turn on the run's replay surfaces. run may be
// nil for turns rejected before run lookup succeeded.
func (k *Kernel) sealTurn(run *runState, runID, turnID string, scratch turnScratch) (TurnResult, error) {
	events.SortIssues(scratch.issues)

	result := TurnResult{
		ContractVersion: ContractVersion,
		SchemaVersion:   SchemaVersion,
		RunID:           runID,
		TurnID:          turnID,
		Outcome:         events.OutcomeFromIssues(scratch.issues),
		Stage:           scratch.stage,
		Issues:          scratch.issues,
		Events:          scratch.events,
		Transition:      scratch.transition,
		Capabilities:    scratch.capabilities,
	}

	digest, err := resultDigest(result)
	if err != nil {
		return TurnResult{}, err
	}
	result.TurnResultDigest = digest

	if run != nil && !run.finished {
		run.turnDigests = append(run.turnDigests, digest)
		run.stageOutcomes = append(run.stageOutcomes,
			fmt.Sprintf("%s:%s:%s", turnID, result.Stage, result.Outcome))
		run.issueCodes = append(run.issueCodes, events.IssueCodes(result.Issues)...)
		run.eventCodes = append(run.eventCodes, events.EventCodes(result.Events)...)
	}

	return result, nil
}

// resultDigest hashes a turn result through the canonical profile with the
// digest field zeroed. The result is marshaled and re-decoded first so the
// digest covers exactly the wire shape of the record.
func resultDigest(result TurnResult) (string, error) {
	result.TurnResultDigest = ""
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal turn result: %w", err)
	}
	v, err := canonical.DecodeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("decode turn result: %w", err)
	}
	digest, err := canonical.Digest(v)
	if err != nil {
		return "", fmt.Errorf("digest turn result: %w", err)
	}
	return digest, nil
}

func failedResult(issues []events.Issue) Result {
	events.SortIssues(issues)
	res := Result{Outcome: events.OutcomeFail, Issues: issues}
	for _, iss := range issues {
		res.Events = append(res.Events, iss.Event())
	}
	return res
}
