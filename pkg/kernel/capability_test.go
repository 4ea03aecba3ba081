package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orket/orket/pkg/events"
)

func TestDefaultPolicyPairs(t *testing.T) {
	pairs := DefaultPolicy().Pairs()
	assert.Equal(t, [][2]string{
		{"architect", "draft"},
		{"auditor", "review"},
		{"operator", "promote"},
	}, pairs)
}

func TestResolveCapability(t *testing.T) {
	policy := DefaultPolicy()

	t.Run("empty role and task skip the gate", func(t *testing.T) {
		ctx, dec := policy.Resolve("", "", Overrides{})
		assert.False(t, ctx.Resolved)
		assert.Equal(t, DecisionSkip, dec.Result)
		assert.Equal(t, events.CodeCapabilitySkipped, dec.ReasonCode)
	})

	t.Run("unknown pair denies", func(t *testing.T) {
		ctx, dec := policy.Resolve("intern", "draft", Overrides{})
		assert.False(t, ctx.Resolved)
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodeCapabilityNotResolved, dec.ReasonCode)
	})

	t.Run("known pair resolves", func(t *testing.T) {
		ctx, dec := policy.Resolve("architect", "draft", Overrides{})
		assert.True(t, ctx.Resolved)
		assert.Equal(t, DecisionAllow, dec.Result)
		assert.Equal(t, events.CodeGatekeeperPass, dec.ReasonCode)
	})
}

func TestAuthorizeToolCall(t *testing.T) {
	policy := DefaultPolicy()

	resolve := func(t *testing.T, role, task string, ov Overrides) CapabilityContext {
		t.Helper()
		ctx, dec := policy.Resolve(role, task, ov)
		require.NotEqual(t, DecisionDeny, dec.Result)
		return ctx
	}

	t.Run("read tool passes without declaration", func(t *testing.T) {
		ctx := resolve(t, "auditor", "review", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "auditor", Task: "review", Tool: "validate_links",
		})
		assert.Equal(t, DecisionAllow, dec.Result)
		assert.Equal(t, events.CodeGatekeeperPass, dec.ReasonCode)
		assert.Equal(t, "validate_links", dec.Tool)
	})

	t.Run("side effecting tool needs the declaration", func(t *testing.T) {
		ctx := resolve(t, "architect", "draft", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "architect", Task: "draft", Tool: "stage_triplet",
		})
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodeSideEffectUndeclared, dec.ReasonCode)

		dec = policy.Authorize(ctx, ToolRequest{
			Role: "architect", Task: "draft", Tool: "stage_triplet",
			DeclaresSideEffect: true,
		})
		assert.Equal(t, DecisionAllow, dec.Result)
	})

	t.Run("tool outside the capability denies", func(t *testing.T) {
		ctx := resolve(t, "auditor", "review", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "auditor", Task: "review", Tool: "stage_triplet",
			DeclaresSideEffect: true,
		})
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodeCapabilityDenied, dec.ReasonCode)
	})

	t.Run("override can deny an allowed tool", func(t *testing.T) {
		ctx := resolve(t, "auditor", "review", Overrides{DenyTools: []string{"validate_links"}})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "auditor", Task: "review", Tool: "validate_links",
		})
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodeCapabilityDenied, dec.ReasonCode)
	})

	t.Run("missing grant denies even an allowed tool", func(t *testing.T) {
		ctx := resolve(t, "architect", "draft", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "architect", Task: "draft", Tool: "stage_tombstone",
			DeclaresSideEffect: true,
		})
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodePermissionDenied, dec.ReasonCode)
	})

	t.Run("extra grant satisfies the requirement", func(t *testing.T) {
		ctx := resolve(t, "architect", "draft", Overrides{ExtraGrants: []string{"index.delete"}})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "architect", Task: "draft", Tool: "stage_tombstone",
			DeclaresSideEffect: true,
		})
		assert.Equal(t, DecisionAllow, dec.Result)
	})

	t.Run("promotion needs an explicit grant", func(t *testing.T) {
		ctx := resolve(t, "operator", "promote", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{
			Role: "operator", Task: "promote", Tool: "promote_turn",
			DeclaresSideEffect: true,
		})
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodePermissionDenied, dec.ReasonCode)

		ctx = resolve(t, "operator", "promote", Overrides{ExtraGrants: []string{"index.promote"}})
		dec = policy.Authorize(ctx, ToolRequest{
			Role: "operator", Task: "promote", Tool: "promote_turn",
			DeclaresSideEffect: true,
		})
		assert.Equal(t, DecisionAllow, dec.Result)
	})

	t.Run("skip context skips authorization", func(t *testing.T) {
		ctx, _ := policy.Resolve("", "", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{Tool: "anything"})
		assert.Equal(t, DecisionSkip, dec.Result)
		assert.Equal(t, events.CodeCapabilitySkipped, dec.ReasonCode)
	})

	t.Run("unresolved context denies authorization", func(t *testing.T) {
		ctx, _ := policy.Resolve("intern", "draft", Overrides{})
		dec := policy.Authorize(ctx, ToolRequest{Role: "intern", Task: "draft", Tool: "read_triplet"})
		assert.Equal(t, DecisionDeny, dec.Result)
		assert.Equal(t, events.CodeCapabilityNotResolved, dec.ReasonCode)
	})
}
