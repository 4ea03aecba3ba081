package kernel

import (
	"sort"

	"github.com/orket/orket/pkg/events"
)

// Decision results.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
	DecisionSkip  = "SKIP"
)

// Overrides adjust a resolved capability for one context: grants can be
// extended and individual tools denied, never the reverse.
type Overrides struct {
	ExtraGrants []string `json:"extra_grants,omitempty"`
	DenyTools   []string `json:"deny_tools,omitempty"`
}

// ToolRequest asks the gatekeeper to authorize one tool invocation.
type ToolRequest struct {
	Role               string    `json:"role"`
	Task               string    `json:"task"`
	Tool               string    `json:"tool"`
	DeclaresSideEffect bool      `json:"declares_side_effect"`
	Overrides          Overrides `json:"overrides,omitempty"`
}

// Decision is the gatekeeper's verdict on one tool request. ReasonCode is a
// registered event code, so decisions land on the replay parity surface.
type Decision struct {
	Result     string `json:"result"`
	ReasonCode string `json:"reason_code"`
	Tool       string `json:"tool,omitempty"`
}

// Capability describes what a (role, task) pair may do.
type Capability struct {
	// Tools this capability may invoke.
	Tools []string
	// Grants held by default.
	Grants []string
	// RequiredGrants maps a tool to the grant its invocation needs.
	RequiredGrants map[string]string
	// SideEffecting lists tools that mutate state; callers must declare
	// the side effect or the call is denied.
	SideEffecting []string
}

// CapabilityContext is a capability resolved for one turn, with overrides
// applied.
type CapabilityContext struct {
	Role     string
	Task     string
	Resolved bool

	tools  map[string]bool
	grants map[string]bool
	denied map[string]bool
	cap    Capability
}

type policyKey struct {
	role string
	task string
}

// CapabilityPolicy is a static (role, task) table. Policies never change
// mid-run; determinism of capability decisions depends on that.
type CapabilityPolicy struct {
	table map[policyKey]Capability
}

// NewCapabilityPolicy builds an empty policy.
func NewCapabilityPolicy() *CapabilityPolicy {
	return &CapabilityPolicy{table: make(map[policyKey]Capability)}
}

// Register adds or replaces the capability of a (role, task) pair.
func (p *CapabilityPolicy) Register(role, task string, cap Capability) {
	p.table[policyKey{role: role, task: task}] = cap
}

// Pairs lists the registered (role, task) pairs sorted for stable output.
func (p *CapabilityPolicy) Pairs() [][2]string {
	out := make([][2]string, 0, len(p.table))
	for k := range p.table {
		out = append(out, [2]string{k.role, k.task})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// DefaultPolicy is the stock table covering the built-in index workflow
// roles.
func DefaultPolicy() *CapabilityPolicy {
	p := NewCapabilityPolicy()
	p.Register("architect", "draft", Capability{
		Tools:  []string{"read_triplet", "stage_triplet", "stage_tombstone"},
		Grants: []string{"index.write"},
		RequiredGrants: map[string]string{
			"stage_triplet":   "index.write",
			"stage_tombstone": "index.delete",
		},
		SideEffecting: []string{"stage_triplet", "stage_tombstone"},
	})
	p.Register("auditor", "review", Capability{
		Tools: []string{"read_triplet", "validate_links"},
	})
	p.Register("operator", "promote", Capability{
		Tools: []string{"read_ledger", "promote_turn"},
		RequiredGrants: map[string]string{
			"promote_turn": "index.promote",
		},
		SideEffecting: []string{"promote_turn"},
	})
	return p
}

// Resolve looks up the capability of (role, task) and applies overrides.
// Empty role and task mean no capability context was requested: the
// decision is SKIP and authorization is bypassed entirely.
func (p *CapabilityPolicy) Resolve(role, task string, ov Overrides) (CapabilityContext, Decision) {
	if role == "" && task == "" {
		return CapabilityContext{}, Decision{
			Result:     DecisionSkip,
			ReasonCode: events.CodeCapabilitySkipped,
		}
	}
	cap, ok := p.table[policyKey{role: role, task: task}]
	if !ok {
		return CapabilityContext{Role: role, Task: task}, Decision{
			Result:     DecisionDeny,
			ReasonCode: events.CodeCapabilityNotResolved,
		}
	}

	ctx := CapabilityContext{
		Role:     role,
		Task:     task,
		Resolved: true,
		tools:    make(map[string]bool, len(cap.Tools)),
		grants:   make(map[string]bool, len(cap.Grants)+len(ov.ExtraGrants)),
		denied:   make(map[string]bool, len(ov.DenyTools)),
		cap:      cap,
	}
	for _, tool := range cap.Tools {
		ctx.tools[tool] = true
	}
	for _, g := range cap.Grants {
		ctx.grants[g] = true
	}
	for _, g := range ov.ExtraGrants {
		ctx.grants[g] = true
	}
	for _, tool := range ov.DenyTools {
		ctx.denied[tool] = true
	}
	return ctx, Decision{Result: DecisionAllow, ReasonCode: events.CodeGatekeeperPass}
}

// Authorize gates one tool call against a resolved context. Checks run in a
// fixed order so the first failing gate names the reason: tool allowed,
// grant held, side effect declared.
func (p *CapabilityPolicy) Authorize(ctx CapabilityContext, req ToolRequest) Decision {
	if !ctx.Resolved {
		if ctx.Role == "" && ctx.Task == "" {
			return Decision{Result: DecisionSkip, ReasonCode: events.CodeCapabilitySkipped, Tool: req.Tool}
		}
		return Decision{Result: DecisionDeny, ReasonCode: events.CodeCapabilityNotResolved, Tool: req.Tool}
	}
	if ctx.denied[req.Tool] || !ctx.tools[req.Tool] {
		return Decision{Result: DecisionDeny, ReasonCode: events.CodeCapabilityDenied, Tool: req.Tool}
	}
	if grant := ctx.cap.RequiredGrants[req.Tool]; grant != "" && !ctx.grants[grant] {
		return Decision{Result: DecisionDeny, ReasonCode: events.CodePermissionDenied, Tool: req.Tool}
	}
	if sideEffecting(ctx.cap, req.Tool) && !req.DeclaresSideEffect {
		return Decision{Result: DecisionDeny, ReasonCode: events.CodeSideEffectUndeclared, Tool: req.Tool}
	}
	return Decision{Result: DecisionAllow, ReasonCode: events.CodeGatekeeperPass, Tool: req.Tool}
}

func sideEffecting(cap Capability, tool string) bool {
	for _, t := range cap.SideEffecting {
		if t == tool {
			return true
		}
	}
	return false
}
