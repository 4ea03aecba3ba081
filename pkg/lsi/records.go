package lsi

import (
	"errors"
	"io/fs"
	"sort"

	"github.com/orket/orket/pkg/fsatomic"
)

// TripletRecord indexes one staged or committed artifact: the digests of its
// body, links and manifest blobs plus identity metadata. The blobs live in
// the scope's object store; the record is the only mutable pointer to them.
type TripletRecord struct {
	LSIVersion     string `json:"lsi_version"`
	Stem           string `json:"stem"`
	DTOType        string `json:"dto_type,omitempty"`
	BodyDigest     string `json:"body_digest"`
	LinksDigest    string `json:"links_digest"`
	ManifestDigest string `json:"manifest_digest"`
	UpdatedAtTurn  string `json:"updated_at_turn"`
}

// RefSource records one declaration of a ref: which stem declared it, where
// in that stem's links blob, under what relationship, and the declaring
// artifact's body digest.
type RefSource struct {
	Stem           string `json:"stem"`
	Location       string `json:"location"`
	Relationship   string `json:"relationship"`
	ArtifactDigest string `json:"artifact_digest"`
}

// RefRecord is the refs/by_id entry for one (type, id). Sources are kept in
// the deterministic (stem, location, relationship, artifact_digest) order at
// every write; reads return them exactly as stored.
type RefRecord struct {
	LSIVersion string      `json:"lsi_version"`
	Type       string      `json:"type"`
	ID         string      `json:"id"`
	Sources    []RefSource `json:"sources"`
}

// Tombstone marks a stem for deletion at the next promotion.
type Tombstone struct {
	Kind            string `json:"kind"`
	Stem            string `json:"stem"`
	DTOType         string `json:"dto_type,omitempty"`
	ID              string `json:"id,omitempty"`
	DeletedByTurnID string `json:"deleted_by_turn_id"`
}

// TombstoneKind is the only accepted value of Tombstone.Kind.
const TombstoneKind = "tombstone"

// Ledger is the committed scope's promotion cursor.
type Ledger struct {
	LSIVersion         string `json:"lsi_version"`
	LastPromotedTurnID string `json:"last_promoted_turn_id"`
}

// SortSources orders sources by (stem, location, relationship,
// artifact_digest).
func SortSources(sources []RefSource) {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if a.Stem != b.Stem {
			return a.Stem < b.Stem
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		return a.ArtifactDigest < b.ArtifactDigest
	})
}

// PruneSources returns sources with every entry whose stem is in drop
// removed, preserving order.
func PruneSources(sources []RefSource, drop map[string]bool) []RefSource {
	out := sources[:0]
	for _, s := range sources {
		if !drop[s.Stem] {
			out = append(out, s)
		}
	}
	return out
}

// ReadTripletRecord loads the record for stem from a scope. Returns
// (nil, nil) when no record exists.
func ReadTripletRecord(scope Scope, stem string) (*TripletRecord, error) {
	var rec TripletRecord
	if err := fsatomic.ReadJSONInto(scope.TripletPath(stem), &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ReadRefRecord loads the refs-by-id record for (type, id) from a scope.
// Returns (nil, nil) when no record exists. Content is exactly as stored:
// no re-sorting happens at read time.
func ReadRefRecord(scope Scope, refType, refID string) (*RefRecord, error) {
	var rec RefRecord
	if err := fsatomic.ReadJSONInto(scope.RefPath(refType, refID), &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ReadRefSources is the sources list of ReadRefRecord, nil when the record
// is absent.
func ReadRefSources(scope Scope, refType, refID string) ([]RefSource, error) {
	rec, err := ReadRefRecord(scope, refType, refID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Sources, nil
}

// ReadTombstone loads the tombstone staged for stem. Returns (nil, nil) when
// absent.
func ReadTombstone(scope Scope, stem string) (*Tombstone, error) {
	var ts Tombstone
	if err := fsatomic.ReadJSONInto(scope.TombstonePath(stem), &ts); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &ts, nil
}

// ReadLedger loads the promotion ledger of a committed scope, defaulting to
// turn-0000 when none has been written yet.
func ReadLedger(scope Scope) (Ledger, error) {
	var led Ledger
	if err := fsatomic.ReadJSONInto(scope.LedgerPath(), &led); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Ledger{LSIVersion: Version, LastPromotedTurnID: FormatTurnID(0)}, nil
		}
		return Ledger{}, err
	}
	return led, nil
}

// WriteLedger persists the promotion ledger of a committed scope.
func WriteLedger(scope Scope, led Ledger) error {
	return fsatomic.WriteJSON(scope.LedgerPath(), led)
}
