// Package events defines the runtime event and issue vocabulary shared by
// the index, promotion engine, and kernel.
//
// Events are formatted as a single deterministic line and form the parity
// surface that replay comparison checks, so nothing time-derived or host-
// specific may appear in them. Issues carry the same taxonomy as a structured
// payload returned through kernel results.
//
// Codes follow a fixed prefix convention: E_ marks an error that fails the
// surrounding operation, W_ a warning, I_ an informational marker.
package events

import "strings"

// Level is the severity of an event or issue, derived from its code prefix.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
)

// Outcome is the verdict of a validation or promotion pass.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
)

// Pipeline stages an event can originate from.
const (
	StageSchema     = "schema"
	StageLinks      = "links"
	StagePromotion  = "promotion"
	StageCapability = "capability"
	StageReplay     = "replay"
	StageRun        = "run"
)

// Registered issue codes.
const (
	CodeRelationshipOrphan = "E_RELATIONSHIP_ORPHAN"
	CodeRefVisible         = "I_REF_VISIBLE"
	CodeRefMultisource     = "I_REF_MULTISOURCE"

	CodePromotionOutOfOrder     = "E_PROMOTION_OUT_OF_ORDER"
	CodePromotionAlreadyApplied = "E_PROMOTION_ALREADY_APPLIED"
	CodePromotionFailed         = "E_PROMOTION_FAILED"
	CodePromotionPass           = "I_PROMOTION_PASS"
	CodeNoopPromotion           = "I_NOOP_PROMOTION"

	CodeTombstoneInvalid      = "E_TOMBSTONE_INVALID"
	CodeTombstoneStemMismatch = "E_TOMBSTONE_STEM_MISMATCH"

	CodeBaseShapeMissingRunID         = "E_BASE_SHAPE_MISSING_RUN_ID"
	CodeBaseShapeInvalidBody          = "E_BASE_SHAPE_INVALID_BODY_VALUE"
	CodeBaseShapeInvalidManifest      = "E_BASE_SHAPE_INVALID_MANIFEST_VALUE"
	CodeBaseShapeInvalidLinks         = "E_BASE_SHAPE_INVALID_LINKS_VALUE"
	CodeBaseShapeInvalidStem          = "E_BASE_SHAPE_INVALID_STEM"
	CodeBaseShapeInvalidTurnID        = "E_BASE_SHAPE_INVALID_TURN_ID"
	CodeBaseShapeInvalidVisibility    = "E_BASE_SHAPE_INVALID_VISIBILITY_MODE"
	CodeBaseShapeInvalidCommitIntent  = "E_BASE_SHAPE_INVALID_COMMIT_INTENT"
	CodeBaseShapeInvalidOutcome       = "E_BASE_SHAPE_INVALID_OUTCOME"
	CodeBaseShapeMissingWorkspaceRoot = "E_BASE_SHAPE_MISSING_WORKSPACE_ROOT"

	CodeCapabilityDenied      = "E_CAPABILITY_DENIED"
	CodeCapabilityNotResolved = "E_CAPABILITY_NOT_RESOLVED"
	CodePermissionDenied      = "E_PERMISSION_DENIED"
	CodeSideEffectUndeclared  = "E_SIDE_EFFECT_UNDECLARED"
	CodeGatekeeperPass        = "I_GATEKEEPER_PASS"
	CodeCapabilitySkipped     = "I_CAPABILITY_SKIPPED"

	CodeReplayInputMissing      = "E_REPLAY_INPUT_MISSING"
	CodeReplayInvalidMode       = "E_REPLAY_INVALID_MODE"
	CodeReplayVersionMismatch   = "E_REPLAY_VERSION_MISMATCH"
	CodeReplayEquivalenceFailed = "E_REPLAY_EQUIVALENCE_FAILED"

	CodeRunFinished = "E_RUN_FINISHED"
)

// defaultStages maps each registered code to the stage it is emitted from
// when the caller does not override it.
var defaultStages = map[string]string{
	CodeRelationshipOrphan: StageLinks,
	CodeRefVisible:         StageLinks,
	CodeRefMultisource:     StagePromotion,

	CodePromotionOutOfOrder:     StagePromotion,
	CodePromotionAlreadyApplied: StagePromotion,
	CodePromotionFailed:         StagePromotion,
	CodePromotionPass:           StagePromotion,
	CodeNoopPromotion:           StagePromotion,

	CodeTombstoneInvalid:      StagePromotion,
	CodeTombstoneStemMismatch: StagePromotion,

	CodeBaseShapeMissingRunID:         StageSchema,
	CodeBaseShapeInvalidBody:          StageSchema,
	CodeBaseShapeInvalidManifest:      StageSchema,
	CodeBaseShapeInvalidLinks:         StageSchema,
	CodeBaseShapeInvalidStem:          StageSchema,
	CodeBaseShapeInvalidTurnID:        StageSchema,
	CodeBaseShapeInvalidVisibility:    StageSchema,
	CodeBaseShapeInvalidCommitIntent:  StageSchema,
	CodeBaseShapeInvalidOutcome:       StageRun,
	CodeBaseShapeMissingWorkspaceRoot: StageSchema,

	CodeCapabilityDenied:      StageCapability,
	CodeCapabilityNotResolved: StageCapability,
	CodePermissionDenied:      StageCapability,
	CodeSideEffectUndeclared:  StageCapability,
	CodeGatekeeperPass:        StageCapability,
	CodeCapabilitySkipped:     StageCapability,

	CodeReplayInputMissing:      StageReplay,
	CodeReplayInvalidMode:       StageReplay,
	CodeReplayVersionMismatch:   StageReplay,
	CodeReplayEquivalenceFailed: StageReplay,

	CodeRunFinished: StageRun,
}

// LevelForCode derives severity from the code prefix. Codes outside the
// registry still format deterministically.
func LevelForCode(code string) Level {
	switch {
	case strings.HasPrefix(code, "E_"):
		return LevelError
	case strings.HasPrefix(code, "W_"):
		return LevelWarn
	default:
		return LevelInfo
	}
}

// DefaultStage returns the registered stage for code, or StageRun for
// unregistered codes.
func DefaultStage(code string) string {
	if s, ok := defaultStages[code]; ok {
		return s
	}
	return StageRun
}
