package reactor

import (
	"fmt"
	"regexp"
	"strings"
)

// Section names for the two speakers. Order is part of the contract.
const (
	sectionRequirement   = "REQUIREMENT"
	sectionChangelog     = "CHANGELOG"
	sectionAssumptions   = "ASSUMPTIONS"
	sectionOpenQuestions = "OPEN_QUESTIONS"

	sectionCritique = "CRITIQUE"
	sectionPatches  = "PATCHES"
	sectionEdgeCase = "EDGE_CASES"
	sectionTestGaps = "TEST_GAPS"
)

var (
	architectSections = []string{sectionRequirement, sectionChangelog, sectionAssumptions, sectionOpenQuestions}
	auditorSections   = []string{sectionCritique, sectionPatches, sectionEdgeCase, sectionTestGaps}

	sectionHeaderPattern = regexp.MustCompile(`^###\s+([A-Z][A-Z_]*)\s*$`)
)

// parseArchitect enforces the architect contract: the four sections present
// exactly once, in order, with a non-empty REQUIREMENT.
func parseArchitect(text string) (map[string]string, []string) {
	return parseSections(text, architectSections, []string{sectionRequirement})
}

// parseAuditor enforces the auditor contract. Empty sections are fine; an
// auditor with nothing to criticize still emits the headers.
func parseAuditor(text string) (map[string]string, []string) {
	return parseSections(text, auditorSections, nil)
}

// parseSections splits text on "### NAME" headers and validates the layout
// against the expected order. All violations are collected, not just the
// first.
func parseSections(text string, order []string, requireNonEmpty []string) (map[string]string, []string) {
	expected := make(map[string]int, len(order))
	for i, name := range order {
		expected[name] = i
	}

	sections := make(map[string]string)
	var errs []string

	current := ""
	var content []string
	lastIndex := -1
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(content, "\n"))
		}
		content = nil
	}

	for _, line := range strings.Split(text, "\n") {
		m := sectionHeaderPattern.FindStringSubmatch(line)
		if m == nil {
			if current == "" && strings.TrimSpace(line) != "" {
				errs = append(errs, fmt.Sprintf("content before first section: %q", strings.TrimSpace(line)))
				continue
			}
			content = append(content, line)
			continue
		}

		name := m[1]
		idx, known := expected[name]
		if !known {
			errs = append(errs, fmt.Sprintf("unexpected section %s", name))
			// Treat the stray header as content of the current section so
			// its body does not bleed into a known section.
			content = append(content, line)
			continue
		}
		if _, dup := sections[name]; dup || name == current {
			errs = append(errs, fmt.Sprintf("section %s duplicated", name))
			continue
		}
		if idx < lastIndex {
			errs = append(errs, fmt.Sprintf("section %s out of order", name))
		}
		flush()
		current = name
		lastIndex = idx
	}
	flush()

	for _, name := range order {
		if _, ok := sections[name]; !ok {
			errs = append(errs, fmt.Sprintf("section %s missing", name))
		}
	}
	for _, name := range requireNonEmpty {
		if body, ok := sections[name]; ok && body == "" {
			errs = append(errs, fmt.Sprintf("section %s is empty", name))
		}
	}
	return sections, errs
}
