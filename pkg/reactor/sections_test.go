package reactor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArchitectValid(t *testing.T) {
	text := `### REQUIREMENT
The system stores documents.

### CHANGELOG
- tightened wording

### ASSUMPTIONS
Single region.

### OPEN_QUESTIONS
None.`

	sections, errs := parseArchitect(text)
	require.Empty(t, errs)
	assert.Equal(t, "The system stores documents.", sections[sectionRequirement])
	assert.Equal(t, "- tightened wording", sections[sectionChangelog])
	assert.Equal(t, "Single region.", sections[sectionAssumptions])
	assert.Equal(t, "None.", sections[sectionOpenQuestions])
}

func TestParseArchitectViolations(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{
			name:    "missing section",
			text:    "### REQUIREMENT\nstore docs\n\n### CHANGELOG\nx\n\n### ASSUMPTIONS\ny",
			wantErr: "section OPEN_QUESTIONS missing",
		},
		{
			name: "duplicated section",
			text: "### REQUIREMENT\na\n\n### CHANGELOG\nb\n\n### REQUIREMENT\nc\n\n### ASSUMPTIONS\nd\n\n### OPEN_QUESTIONS\ne",
			wantErr: "section REQUIREMENT duplicated",
		},
		{
			name: "out of order",
			text: "### CHANGELOG\nb\n\n### REQUIREMENT\na\n\n### ASSUMPTIONS\nd\n\n### OPEN_QUESTIONS\ne",
			wantErr: "section REQUIREMENT out of order",
		},
		{
			name: "empty requirement",
			text: "### REQUIREMENT\n\n### CHANGELOG\nb\n\n### ASSUMPTIONS\nd\n\n### OPEN_QUESTIONS\ne",
			wantErr: "section REQUIREMENT is empty",
		},
		{
			name: "unexpected section",
			text: "### REQUIREMENT\na\n\n### CHANGELOG\nb\n\n### ASSUMPTIONS\nd\n\n### OPEN_QUESTIONS\ne\n\n### EXTRAS\nf",
			wantErr: "unexpected section EXTRAS",
		},
		{
			name:    "content before first header",
			text:    "preamble text\n### REQUIREMENT\na\n\n### CHANGELOG\nb\n\n### ASSUMPTIONS\nd\n\n### OPEN_QUESTIONS\ne",
			wantErr: "content before first section",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := parseArchitect(tt.text)
			require.NotEmpty(t, errs)
			found := false
			for _, e := range errs {
				if strings.Contains(e, tt.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "errors %v should mention %q", errs, tt.wantErr)
		})
	}
}

func TestParseAuditorAllowsEmptySections(t *testing.T) {
	text := "### CRITIQUE\n\n### PATCHES\n\n### EDGE_CASES\n\n### TEST_GAPS\n"

	sections, errs := parseAuditor(text)
	require.Empty(t, errs)
	assert.Empty(t, sections[sectionCritique])
	assert.Empty(t, sections[sectionTestGaps])
}

func TestParseSectionsHeaderShape(t *testing.T) {
	// Headers need the exact "### NAME" shape; lookalikes are content.
	text := "### REQUIREMENT\n#### REQUIREMENT subnote\n## CHANGELOG\nreal body\n\n### CHANGELOG\nb\n\n### ASSUMPTIONS\nd\n\n### OPEN_QUESTIONS\ne"

	sections, errs := parseArchitect(text)
	require.Empty(t, errs)
	assert.Contains(t, sections[sectionRequirement], "#### REQUIREMENT subnote")
	assert.Contains(t, sections[sectionRequirement], "## CHANGELOG")
}
