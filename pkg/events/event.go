package events

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/orket/orket/pkg/canonical"
)

// Event is one deterministic line of the run transcript.
type Event struct {
	Level    Level          `json:"level"`
	Stage    string         `json:"stage"`
	Code     string         `json:"code"`
	Location string         `json:"location"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Issue is the structured failure payload returned through kernel results.
// It shares the event taxonomy field for field.
type Issue struct {
	Level    Level          `json:"level"`
	Stage    string         `json:"stage"`
	Code     string         `json:"code"`
	Location string         `json:"location"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// New builds an event with level and stage derived from the code.
func New(code, location, message string, details map[string]any) Event {
	return Event{
		Level:    LevelForCode(code),
		Stage:    DefaultStage(code),
		Code:     code,
		Location: location,
		Message:  message,
		Details:  details,
	}
}

// NewIssue builds an issue with level and stage derived from the code.
func NewIssue(code, location, message string, details map[string]any) Issue {
	return Issue{
		Level:    LevelForCode(code),
		Stage:    DefaultStage(code),
		Code:     code,
		Location: location,
		Message:  message,
		Details:  details,
	}
}

// Event converts an issue into its transcript event. Every issue surfaces
// both ways: structured in the result, formatted in the event stream.
func (i Issue) Event() Event {
	return Event(i)
}

// Line renders the event in the contract format:
//
//	[LEVEL] [STAGE:<stage>] [CODE:<CODE>] [LOC:<rfc6901>] <message> | k1=v1 k2=v2
//
// Detail keys are sorted, composite values canonical-JSON-encoded, and
// newlines escaped, so equal events always render equal bytes.
func (e Event) Line() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Level))
	b.WriteString("] [STAGE:")
	b.WriteString(e.Stage)
	b.WriteString("] [CODE:")
	b.WriteString(e.Code)
	b.WriteString("] [LOC:")
	b.WriteString(escapeLine(e.Location))
	b.WriteString("] ")
	b.WriteString(escapeLine(e.Message))
	if len(e.Details) > 0 {
		b.WriteString(" |")
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(escapeLine(k))
			b.WriteByte('=')
			b.WriteString(renderDetail(e.Details[k]))
		}
	}
	return b.String()
}

// Lines renders a slice of events in order.
func Lines(evts []Event) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Line()
	}
	return out
}

// SortIssues orders issues by (location, code, canonical details): the
// stable presentation order every result surface uses.
func SortIssues(issues []Issue) {
	keys := make(map[*Issue]string, len(issues))
	for i := range issues {
		keys[&issues[i]] = detailsKey(issues[i].Details)
	}
	sort.SliceStable(issues, func(a, b int) bool {
		ia, ib := &issues[a], &issues[b]
		if ia.Location != ib.Location {
			return ia.Location < ib.Location
		}
		if ia.Code != ib.Code {
			return ia.Code < ib.Code
		}
		return keys[ia] < keys[ib]
	})
}

// HasErrors reports whether any issue carries error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// OutcomeFromIssues derives the pass/fail verdict: FAIL iff any issue is an
// error. Warnings and info markers never fail an operation.
func OutcomeFromIssues(issues []Issue) Outcome {
	if HasErrors(issues) {
		return OutcomeFail
	}
	return OutcomePass
}

// IssueCodes returns the codes of issues in their current order.
func IssueCodes(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.Code
	}
	return out
}

// EventCodes returns the codes of events in their current order.
func EventCodes(evts []Event) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Code
	}
	return out
}

func escapeLine(s string) string {
	s = canonical.NormalizeNewlines(s)
	return strings.ReplaceAll(s, "\n", "\\n")
}

// renderDetail formats one detail value. Scalars print bare; composites go
// through the canonical encoder so formatting never depends on map order.
func renderDetail(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return escapeLine(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return escapeLine(detailsValueKey(v))
	}
}

func detailsKey(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	return detailsValueKey(details)
}

// detailsValueKey gives a deterministic byte form for composite values.
// encoding/json is the fallback for values the canonical profile rejects;
// it still sorts map keys, so the result stays stable.
func detailsValueKey(v any) string {
	if b, err := canonical.Bytes(v); err == nil {
		return string(b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
