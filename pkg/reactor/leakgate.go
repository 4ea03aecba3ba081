package reactor

import (
	"fmt"
	"log/slog"
	"regexp"
)

// leakPattern is one named detection rule.
type leakPattern struct {
	name  string
	regex *regexp.Regexp
}

// DefaultStrictPatterns are the stock strict-mode rules: any match is a
// leak, no weighing.
var DefaultStrictPatterns = []string{
	"(?m)^```",
	`(?m)^\s*def\s+\w+\s*\(`,
	`(?m)^\s*class\s+\w+`,
	`(?m)^\s*(import|from)\s+\w+`,
	`(?m)^\s*function\s+\w+\s*\(`,
	`(?m)^\s*(const|let|var)\s+\w+\s*=`,
}

// Balanced mode: anchored structural patterns that unambiguously read as
// code. Prose mentioning "a function" or "the import step" does not match.
var balancedHardPatterns = []leakPattern{
	{"fenced_code_block", regexp.MustCompile("(?m)^\\s*```")},
	{"python_def", regexp.MustCompile(`(?m)^\s*def\s+\w+\s*\([^)]*\)\s*:`)},
	{"python_class", regexp.MustCompile(`(?m)^\s*class\s+\w+(\([^)]*\))?\s*:`)},
	{"python_import", regexp.MustCompile(`(?m)^\s*(import\s+[\w.]+\s*$|from\s+[\w.]+\s+import\s+)`)},
	{"js_function", regexp.MustCompile(`(?m)^\s*(export\s+)?(async\s+)?function\s+\w+\s*\(`)},
	{"js_arrow_assign", regexp.MustCompile(`(?m)^\s*(const|let|var)\s+\w+\s*=\s*(async\s*)?\([^)]*\)\s*=>`)},
	{"ts_interface", regexp.MustCompile(`(?m)^\s*(export\s+)?interface\s+\w+\s*\{`)},
	{"ts_type_alias", regexp.MustCompile(`(?m)^\s*(export\s+)?type\s+\w+\s*=\s*\{`)},
}

// CLI tooling invocations, either at line start (optionally shell-prompted)
// or inline in backticks.
var balancedCLIPatterns = []leakPattern{
	{"pip_install", regexp.MustCompile("(?m)(^\\s*\\$?\\s*|`)pip3?\\s+install\\b")},
	{"npm_command", regexp.MustCompile("(?m)(^\\s*\\$?\\s*|`)npm\\s+(install|ci|run)\\b")},
	{"git_command", regexp.MustCompile("(?m)(^\\s*\\$?\\s*|`)git\\s+(clone|checkout|rebase|cherry-pick)\\b")},
	{"go_command", regexp.MustCompile("(?m)(^\\s*\\$?\\s*|`)go\\s+(run|build|test|install)\\b")},
}

// Weak signals: vocabulary that leans technical but is legitimate in a
// requirement. Each alone warns; enough of them together trip the gate.
var balancedWeakPatterns = []leakPattern{
	{"weak_semicolon_line", regexp.MustCompile(`(?m);\s*$`)},
	{"weak_brace_line", regexp.MustCompile(`(?m)^\s*[{}]\s*$`)},
	{"weak_arrow", regexp.MustCompile(`=>`)},
	{"weak_assign_op", regexp.MustCompile(`:=|\+=|==`)},
	{"weak_call_chain", regexp.MustCompile(`\w+\.\w+\([^)]*\)`)},
	{"weak_angle_generic", regexp.MustCompile(`\w+<\w+>`)},
}

// structuralSignalThreshold is how many weak-signal matches escalate to a
// hard leak in balanced mode.
const structuralSignalThreshold = 6

type leakVerdict struct {
	hit      bool
	rule     string
	warnings []string
}

// leakGate holds the compiled rule set for one run.
type leakGate struct {
	mode   LeakMode
	strict []leakPattern
}

func newLeakGate(mode LeakMode, strictPatterns []string) *leakGate {
	g := &leakGate{mode: mode}
	if mode != LeakModeStrict {
		return g
	}
	patterns := strictPatterns
	if len(patterns) == 0 {
		patterns = DefaultStrictPatterns
	}
	for i, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			slog.Warn("Skipping invalid strict leak pattern", "pattern", expr, "error", err)
			continue
		}
		g.strict = append(g.strict, leakPattern{name: fmt.Sprintf("strict_%d", i), regex: re})
	}
	return g
}

func (g *leakGate) check(text string) leakVerdict {
	if g.mode == LeakModeStrict {
		for _, p := range g.strict {
			if p.regex.MatchString(text) {
				return leakVerdict{hit: true, rule: p.name}
			}
		}
		return leakVerdict{}
	}
	return checkBalanced(text)
}

func checkBalanced(text string) leakVerdict {
	for _, p := range balancedHardPatterns {
		if p.regex.MatchString(text) {
			return leakVerdict{hit: true, rule: p.name}
		}
	}
	for _, p := range balancedCLIPatterns {
		if p.regex.MatchString(text) {
			return leakVerdict{hit: true, rule: p.name}
		}
	}

	var verdict leakVerdict
	signals := 0
	for _, p := range balancedWeakPatterns {
		matches := p.regex.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		signals += len(matches)
		verdict.warnings = append(verdict.warnings,
			fmt.Sprintf("weak code signal %s (%d)", p.name, len(matches)))
	}
	if signals >= structuralSignalThreshold {
		verdict.hit = true
		verdict.rule = "structural_signal_threshold"
	}
	return verdict
}
