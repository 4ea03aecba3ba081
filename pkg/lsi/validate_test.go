package lsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orket/orket/pkg/events"
	"github.com/orket/orket/pkg/fsatomic"
)

func TestParseVisibilityMode(t *testing.T) {
	m, err := ParseVisibilityMode("full")
	require.NoError(t, err)
	assert.Equal(t, VisibilityFull, m)

	m, err = ParseVisibilityMode("committed_only")
	require.NoError(t, err)
	assert.Equal(t, VisibilityCommittedOnly, m)

	_, err = ParseVisibilityMode("partial")
	assert.Error(t, err)
}

func mustStage(t *testing.T, ix *Index, stem string, links map[string]any) {
	t.Helper()
	res, err := ix.StageTriplet("run-0001", "turn-0001", stem,
		map[string]any{"dto_type": "dto", "id": stem}, links, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, events.OutcomePass, res.Outcome)
}

func TestValidateLinks(t *testing.T) {
	t.Run("lone dangling declaration is an orphan", func(t *testing.T) {
		ix := New(t.TempDir())
		mustStage(t, ix, "data/dto/o/orphan", map[string]any{
			"declares": map[string]any{"type": "skill", "id": "skill:missing", "relationship": "declares"},
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "data/dto/o/orphan", VisibilityFull)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomeFail, res.Outcome)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, events.CodeRelationshipOrphan, res.Issues[0].Code)
		assert.Equal(t, "/links/declares/id", res.Issues[0].Location)
	})

	t.Run("second declaration by the same stem gives self visibility", func(t *testing.T) {
		ix := New(t.TempDir())
		mustStage(t, ix, "dto/a", map[string]any{
			"declares": map[string]any{"type": "skill", "id": "skill:alpha"},
			"uses":     map[string]any{"type": "skill", "id": "skill:alpha"},
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "dto/a", VisibilityFull)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomePass, res.Outcome)
		assert.Empty(t, res.Issues)
		require.Len(t, res.Events, 2)
		for _, evt := range res.Events {
			assert.Equal(t, events.CodeRefVisible, evt.Code)
			assert.Equal(t, LayerSelf, evt.Details["layer"])
		}
	})

	t.Run("declaration by another staged stem gives staging visibility", func(t *testing.T) {
		ix := New(t.TempDir())
		mustStage(t, ix, "dto/a", map[string]any{
			"declares": map[string]any{"type": "skill", "id": "skill:alpha"},
		})
		mustStage(t, ix, "dto/b", map[string]any{
			"uses": map[string]any{"type": "skill", "id": "skill:alpha"},
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "dto/b", VisibilityFull)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomePass, res.Outcome)
		require.Len(t, res.Events, 1)
		assert.Equal(t, LayerStaging, res.Events[0].Details["layer"])
	})

	t.Run("committed symbol satisfies a staged ref", func(t *testing.T) {
		ix := New(t.TempDir())
		committed := ix.Layout().Committed()
		require.NoError(t, fsatomic.WriteJSON(committed.RefPath("skill", "skill:alpha"), RefRecord{
			LSIVersion: Version,
			Type:       "skill",
			ID:         "skill:alpha",
			Sources: []RefSource{{
				Stem: "older/stem", Location: "/links/declares",
				Relationship: "declares", ArtifactDigest: "0000",
			}},
		}))
		mustStage(t, ix, "dto/b", map[string]any{
			"uses": map[string]any{"type": "skill", "id": "skill:alpha"},
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "dto/b", VisibilityFull)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomePass, res.Outcome)
		require.Len(t, res.Events, 1)
		assert.Equal(t, LayerCommitted, res.Events[0].Details["layer"])
	})

	t.Run("committed_only ignores staged evidence", func(t *testing.T) {
		ix := New(t.TempDir())
		mustStage(t, ix, "dto/a", map[string]any{
			"declares": map[string]any{"type": "skill", "id": "skill:alpha"},
		})
		mustStage(t, ix, "dto/b", map[string]any{
			"uses": map[string]any{"type": "skill", "id": "skill:alpha"},
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "dto/b", VisibilityCommittedOnly)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomeFail, res.Outcome)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, "/links/uses/id", res.Issues[0].Location)
	})

	t.Run("missing staged triplet reports at /ci/schema", func(t *testing.T) {
		ix := New(t.TempDir())
		res, err := ix.ValidateLinks("run-0001", "turn-0001", "never/staged", VisibilityFull)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomeFail, res.Outcome)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, events.CodeRelationshipOrphan, res.Issues[0].Code)
		assert.Equal(t, "/ci/schema", res.Issues[0].Location)
	})

	t.Run("issues come back sorted by location", func(t *testing.T) {
		ix := New(t.TempDir())
		mustStage(t, ix, "dto/multi", map[string]any{
			"zz": map[string]any{"type": "skill", "id": "skill:gone2"},
			"aa": map[string]any{"type": "skill", "id": "skill:gone1"},
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "dto/multi", VisibilityFull)
		require.NoError(t, err)
		require.Len(t, res.Issues, 2)
		assert.Equal(t, "/links/aa/id", res.Issues[0].Location)
		assert.Equal(t, "/links/zz/id", res.Issues[1].Location)
	})

	t.Run("scalar annotations are not refs", func(t *testing.T) {
		ix := New(t.TempDir())
		mustStage(t, ix, "dto/notes", map[string]any{
			"note":  "free text",
			"count": 3,
		})

		res, err := ix.ValidateLinks("run-0001", "turn-0001", "dto/notes", VisibilityFull)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomePass, res.Outcome)
		assert.Empty(t, res.Issues)
		assert.Empty(t, res.Events)
	})
}
