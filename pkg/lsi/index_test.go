package lsi

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/events"
)

func stageFixture(t *testing.T) (*Index, Scope) {
	t.Helper()
	ix := New(t.TempDir())
	return ix, ix.Layout().StagingTurn("run-0001", "turn-0001")
}

func TestStageTriplet(t *testing.T) {
	body := map[string]any{"dto_type": "Invocation", "id": "inv:1"}
	links := map[string]any{
		"declares": map[string]any{"type": "skill", "id": "skill:alpha", "relationship": "declares"},
	}
	manifest := map[string]any{"schema": "dto/v1"}

	t.Run("writes blobs, record and refs", func(t *testing.T) {
		ix, scope := stageFixture(t)
		res, err := ix.StageTriplet("run-0001", "turn-0001", "data/dto/v/one", body, links, manifest)
		require.NoError(t, err)
		require.Equal(t, events.OutcomePass, res.Outcome)
		assert.Empty(t, res.Issues)

		// Triplet record.
		rec, err := ReadTripletRecord(scope, "data/dto/v/one")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, Version, rec.LSIVersion)
		assert.Equal(t, "data/dto/v/one", rec.Stem)
		assert.Equal(t, "invocation", rec.DTOType, "dto_type is lower-cased")
		assert.Equal(t, res.BodyDigest, rec.BodyDigest)
		assert.Equal(t, res.LinksDigest, rec.LinksDigest)
		assert.Equal(t, res.ManifestDigest, rec.ManifestDigest)
		assert.Equal(t, "turn-0001", rec.UpdatedAtTurn)

		// Blobs are content-addressed: stored bytes hash to their name.
		store := scope.Objects()
		for _, digest := range []string{res.BodyDigest, res.LinksDigest, res.ManifestDigest} {
			data, err := store.Get(digest)
			require.NoError(t, err)
			require.NotNil(t, data)
			assert.Equal(t, digest, canonical.StructuralDigest(data))
		}

		// Symbol table entry for the declared ref.
		refRec, err := ReadRefRecord(scope, "skill", "skill:alpha")
		require.NoError(t, err)
		require.NotNil(t, refRec)
		assert.Equal(t, "skill", refRec.Type)
		assert.Equal(t, "skill:alpha", refRec.ID)
		require.Len(t, refRec.Sources, 1)
		assert.Equal(t, RefSource{
			Stem:           "data/dto/v/one",
			Location:       "/links/declares",
			Relationship:   "declares",
			ArtifactDigest: res.BodyDigest,
		}, refRec.Sources[0])
	})

	t.Run("restaging prunes the stem's old sources", func(t *testing.T) {
		ix, scope := stageFixture(t)
		_, err := ix.StageTriplet("run-0001", "turn-0001", "data/dto/v/one", body, links, manifest)
		require.NoError(t, err)
		res, err := ix.StageTriplet("run-0001", "turn-0001", "data/dto/v/one",
			map[string]any{"dto_type": "Invocation", "id": "inv:1", "rev": 2}, links, manifest)
		require.NoError(t, err)

		refRec, err := ReadRefRecord(scope, "skill", "skill:alpha")
		require.NoError(t, err)
		require.NotNil(t, refRec)
		require.Len(t, refRec.Sources, 1, "no duplicate source per restage")
		assert.Equal(t, res.BodyDigest, refRec.Sources[0].ArtifactDigest)
	})

	t.Run("two stems share one symbol", func(t *testing.T) {
		ix, scope := stageFixture(t)
		_, err := ix.StageTriplet("run-0001", "turn-0001", "dto/a", body, links, manifest)
		require.NoError(t, err)
		_, err = ix.StageTriplet("run-0001", "turn-0001", "dto/b", body, links, manifest)
		require.NoError(t, err)

		sources, err := ReadRefSources(scope, "skill", "skill:alpha")
		require.NoError(t, err)
		require.Len(t, sources, 2)
		assert.Equal(t, "dto/a", sources[0].Stem, "sources sorted by stem")
		assert.Equal(t, "dto/b", sources[1].Stem)
	})

	t.Run("multiple refs to one symbol from one stem", func(t *testing.T) {
		ix, scope := stageFixture(t)
		multi := map[string]any{
			"declares": map[string]any{"type": "skill", "id": "skill:alpha"},
			"uses":     map[string]any{"type": "skill", "id": "skill:alpha"},
		}
		_, err := ix.StageTriplet("run-0001", "turn-0001", "dto/a", body, multi, manifest)
		require.NoError(t, err)

		sources, err := ReadRefSources(scope, "skill", "skill:alpha")
		require.NoError(t, err)
		require.Len(t, sources, 2)
		assert.Equal(t, "/links/declares", sources[0].Location)
		assert.Equal(t, "/links/uses", sources[1].Location)
	})
}

func TestStageTripletRejections(t *testing.T) {
	body := map[string]any{"dto_type": "x"}
	obj := map[string]any{}

	tests := []struct {
		name     string
		runID    string
		turnID   string
		stem     string
		body     any
		links    any
		manifest any
		wantCode string
		wantLoc  string
	}{
		{
			name: "missing run id", runID: "", turnID: "turn-0001", stem: "a",
			body: body, links: obj, manifest: obj,
			wantCode: events.CodeBaseShapeMissingRunID, wantLoc: "/run_id",
		},
		{
			name: "bad turn id", runID: "run-0001", turnID: "turn-1", stem: "a",
			body: body, links: obj, manifest: obj,
			wantCode: events.CodeBaseShapeInvalidTurnID, wantLoc: "/turn_id",
		},
		{
			name: "bad stem", runID: "run-0001", turnID: "turn-0001", stem: "a//b",
			body: body, links: obj, manifest: obj,
			wantCode: events.CodeBaseShapeInvalidStem, wantLoc: "/stem",
		},
		{
			name: "body not an object", runID: "run-0001", turnID: "turn-0001", stem: "a",
			body: []any{1}, links: obj, manifest: obj,
			wantCode: events.CodeBaseShapeInvalidBody, wantLoc: "/body",
		},
		{
			name: "links not an object", runID: "run-0001", turnID: "turn-0001", stem: "a",
			body: body, links: "nope", manifest: obj,
			wantCode: events.CodeBaseShapeInvalidLinks, wantLoc: "/links",
		},
		{
			name: "manifest not an object", runID: "run-0001", turnID: "turn-0001", stem: "a",
			body: body, links: obj, manifest: 7,
			wantCode: events.CodeBaseShapeInvalidManifest, wantLoc: "/manifest",
		},
		{
			name: "float in body", runID: "run-0001", turnID: "turn-0001", stem: "a",
			body: map[string]any{"v": 1.5}, links: obj, manifest: obj,
			wantCode: events.CodeBaseShapeInvalidBody, wantLoc: "/body/v",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := New(t.TempDir())
			res, err := ix.StageTriplet(tt.runID, tt.turnID, tt.stem, tt.body, tt.links, tt.manifest)
			require.NoError(t, err)
			require.Equal(t, events.OutcomeFail, res.Outcome)
			require.NotEmpty(t, res.Issues)

			found := false
			for _, iss := range res.Issues {
				if iss.Code == tt.wantCode && iss.Location == tt.wantLoc {
					found = true
				}
			}
			assert.True(t, found, "expected %s at %s, got %+v", tt.wantCode, tt.wantLoc, res.Issues)
			assert.Len(t, res.Events, len(res.Issues), "every issue mirrored as an event")
		})
	}

	t.Run("rejection leaves no files behind", func(t *testing.T) {
		ix, scope := stageFixture(t)
		res, err := ix.StageTriplet("run-0001", "turn-0001", "a", map[string]any{"v": 0.5}, obj, obj)
		require.NoError(t, err)
		require.Equal(t, events.OutcomeFail, res.Outcome)

		_, statErr := os.Stat(scope.Dir())
		assert.True(t, os.IsNotExist(statErr), "turn scope must not exist after rejection")
	})
}

func TestStageTombstone(t *testing.T) {
	t.Run("writes the tombstone record", func(t *testing.T) {
		ix, scope := stageFixture(t)
		ts := Tombstone{
			Kind:            TombstoneKind,
			Stem:            "data/dto/v/one",
			DTOType:         "invocation",
			ID:              "inv:1",
			DeletedByTurnID: "turn-0001",
		}
		res, err := ix.StageTombstone("run-0001", "turn-0001", ts)
		require.NoError(t, err)
		assert.Equal(t, events.OutcomePass, res.Outcome)

		got, err := ReadTombstone(scope, "data/dto/v/one")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ts, *got)
	})

	t.Run("rejects invalid stem", func(t *testing.T) {
		ix, _ := stageFixture(t)
		res, err := ix.StageTombstone("run-0001", "turn-0001", Tombstone{
			Kind: TombstoneKind, Stem: "../escape", DeletedByTurnID: "turn-0001",
		})
		require.NoError(t, err)
		assert.Equal(t, events.OutcomeFail, res.Outcome)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, events.CodeBaseShapeInvalidStem, res.Issues[0].Code)
	})
}
