package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/orket/orket/pkg/fsatomic"
)

// SnapshotVersion tags the on-disk snapshot format.
const SnapshotVersion = "coordinator_snapshot/v1"

// CardSnapshot is the durable form of a card. Monotonic lease deadlines do
// not survive a restart, so a claimed card carries the lease time it had
// left at snapshot time and the deadline is rebuilt against the loading
// store's clock.
type CardSnapshot struct {
	ID               string `json:"id"`
	Payload          any    `json:"payload,omitempty"`
	State            State  `json:"state"`
	ClaimedBy        string `json:"claimed_by,omitempty"`
	LeaseRemainingMS int64  `json:"lease_remaining_ms,omitempty"`
	Result           any    `json:"result,omitempty"`
	Attempts         int    `json:"attempts,omitempty"`
	HedgedExecution  bool   `json:"hedged_execution,omitempty"`
}

type snapshotFile struct {
	SnapshotVersion string         `json:"snapshot_version"`
	Cards           []CardSnapshot `json:"cards"`
}

// Snapshot captures every card sorted by id.
func (s *Store) Snapshot() []CardSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]CardSnapshot, 0, len(s.cards))
	for _, c := range s.cards {
		snap := CardSnapshot{
			ID:              c.ID,
			Payload:         c.Payload,
			State:           c.State,
			ClaimedBy:       c.ClaimedBy,
			Result:          c.Result,
			Attempts:        c.Attempts,
			HedgedExecution: c.HedgedExecution,
		}
		if c.State == StateClaimed && c.LeaseExpiresAt != nil {
			if remaining := c.LeaseExpiresAt.Sub(now); remaining > 0 {
				snap.LeaseRemainingMS = remaining.Milliseconds()
			}
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the card set from a snapshot. Claimed cards get a fresh
// deadline of now plus their remaining lease; a claimed card with no lease
// left comes back expired and is immediately up for supersede.
func (s *Store) Restore(snaps []CardSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.cards = make(map[string]*Card, len(snaps))
	for _, snap := range snaps {
		c := &Card{
			ID:              snap.ID,
			Payload:         snap.Payload,
			State:           snap.State,
			ClaimedBy:       snap.ClaimedBy,
			Result:          snap.Result,
			Attempts:        snap.Attempts,
			HedgedExecution: snap.HedgedExecution,
		}
		if c.State == "" {
			c.State = StateOpen
		}
		if c.State == StateClaimed {
			expires := now.Add(time.Duration(snap.LeaseRemainingMS) * time.Millisecond)
			c.LeaseExpiresAt = &expires
		}
		s.cards[c.ID] = c
	}
}

// SaveSnapshot writes the current card set atomically. Snapshot bytes follow
// the canonical profile, so payloads and results must stay within it
// (integer-only numbers).
func (s *Store) SaveSnapshot(path string) error {
	file := snapshotFile{
		SnapshotVersion: SnapshotVersion,
		Cards:           s.Snapshot(),
	}
	if err := fsatomic.WriteJSON(path, file); err != nil {
		return fmt.Errorf("writing coordinator snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the card set from a snapshot file written by
// SaveSnapshot.
func (s *Store) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading coordinator snapshot: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var file snapshotFile
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("parsing coordinator snapshot: %w", err)
	}
	if file.SnapshotVersion != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %q", file.SnapshotVersion)
	}
	s.Restore(file.Cards)
	return nil
}
