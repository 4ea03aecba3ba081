// Package coordinator implements the lease coordinator: an in-memory card
// store that hands out time-bounded work claims to named nodes, detects
// expired leases, and guarantees at most one committed result per card.
//
// All card mutations serialize through one mutex, so per-card histories are
// linearizable. Lease deadlines come from an injected clock; tests drive
// expiry with a mock clock instead of sleeping.
package coordinator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is a card's position in its lifecycle.
type State string

// Card states. DONE and FAILED are terminal: a card never leaves them and
// its result never changes once set.
const (
	StateOpen    State = "OPEN"
	StateClaimed State = "CLAIMED"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Sentinel errors callers branch on. The HTTP layer maps each to a status
// code.
var (
	// ErrNotFound reports an unknown card id.
	ErrNotFound = errors.New("card not found")
	// ErrLeaseHeld reports a claim or terminal call blocked by another
	// node's valid claim.
	ErrLeaseHeld = errors.New("lease held by another node")
	// ErrNotOwner reports a renewal by a node that does not hold the lease.
	ErrNotOwner = errors.New("lease owned by another node")
	// ErrLeaseExpired reports a renewal after the lease deadline. Renewal
	// never resurrects an expired lease.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrNotClaimed reports a renewal or terminal call on an unclaimed card.
	ErrNotClaimed = errors.New("card is not claimed")
	// ErrTerminal reports a claim or renewal on a finished card.
	ErrTerminal = errors.New("card already in a terminal state")
)

// Card is one unit of coordinated work. Payload and Result are opaque JSON
// values; the store never inspects them. Callers must not mutate them after
// handing them over.
type Card struct {
	ID              string     `json:"id"`
	Payload         any        `json:"payload"`
	State           State      `json:"state"`
	ClaimedBy       string     `json:"claimed_by"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at"`
	Result          any        `json:"result"`
	Attempts        int        `json:"attempts"`
	HedgedExecution bool       `json:"hedged_execution"`
}

// Store holds the authoritative card set. Zero value is not usable; construct
// with NewStore.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	cards map[string]*Card
}

// NewStore returns an empty store reading time from clk.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock: clk,
		cards: make(map[string]*Card),
	}
}

// Seed replaces the entire card set. This is the administrative reset hook:
// cards arrive as fresh work, with OPEN defaulted for entries that do not
// name a state.
func (s *Store) Seed(cards []Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = make(map[string]*Card, len(cards))
	for i := range cards {
		c := cards[i]
		if c.State == "" {
			c.State = StateOpen
		}
		s.cards[c.ID] = &c
	}
}

// Get returns a copy of one card.
func (s *Store) Get(cardID string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	return s.copyLocked(c), nil
}

// ListAll returns every card sorted by id.
func (s *Store) ListAll() []Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Card, 0, len(s.cards))
	for _, c := range s.cards {
		out = append(out, s.copyLocked(c))
	}
	sortCards(out)
	return out
}

// ListEffectiveOpen returns the cards a worker may claim right now, sorted by
// id: OPEN cards, CLAIMED cards whose lease has expired, and CLAIMED hedged
// cards (hedging invites concurrent claimants while the first is still
// working).
func (s *Store) ListEffectiveOpen() []Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Card
	for _, c := range s.cards {
		if s.effectiveOpenLocked(c) {
			out = append(out, s.copyLocked(c))
		}
	}
	sortCards(out)
	return out
}

// Claim transitions a card to CLAIMED for nodeID with a lease of the given
// duration. It succeeds when the card is OPEN, when a different node's lease
// has expired (supersede), or when the card is hedged. Attempts counts
// successful claims only.
func (s *Store) Claim(cardID, nodeID string, leaseDuration time.Duration) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	switch c.State {
	case StateDone, StateFailed:
		return Card{}, ErrTerminal
	case StateClaimed:
		if !c.HedgedExecution {
			if !s.leaseExpiredLocked(c) {
				return Card{}, ErrLeaseHeld
			}
			// Supersede is for a different node taking over abandoned
			// work; the original claimant cannot quietly extend its own
			// expired lease through re-claiming.
			if c.ClaimedBy == nodeID {
				return Card{}, ErrLeaseHeld
			}
		}
	}
	expires := s.clock.Now().Add(leaseDuration)
	c.State = StateClaimed
	c.ClaimedBy = nodeID
	c.LeaseExpiresAt = &expires
	c.Attempts++
	return s.copyLocked(c), nil
}

// Renew extends the lease of the current claimant. Only the owning node may
// renew, and only while the lease is still valid: an expired lease is dead
// and the card is up for supersede.
func (s *Store) Renew(cardID, nodeID string, leaseDuration time.Duration) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	switch c.State {
	case StateDone, StateFailed:
		return Card{}, ErrTerminal
	case StateOpen:
		return Card{}, ErrNotClaimed
	}
	if c.ClaimedBy != nodeID {
		return Card{}, ErrNotOwner
	}
	if s.leaseExpiredLocked(c) {
		return Card{}, ErrLeaseExpired
	}
	expires := s.clock.Now().Add(leaseDuration)
	c.LeaseExpiresAt = &expires
	return s.copyLocked(c), nil
}

// Complete commits a DONE outcome. The first terminal transition wins; any
// later Complete or Fail from any node returns the already-committed card
// unchanged.
func (s *Store) Complete(cardID, nodeID string, result any) (Card, error) {
	return s.finish(cardID, nodeID, result, StateDone)
}

// Fail commits a FAILED outcome with the same first-wins semantics as
// Complete.
func (s *Store) Fail(cardID, nodeID string, result any) (Card, error) {
	return s.finish(cardID, nodeID, result, StateFailed)
}

func (s *Store) finish(cardID, nodeID string, result any, terminal State) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	switch c.State {
	case StateDone, StateFailed:
		// Idempotent: the committed outcome stands, whoever asks.
		return s.copyLocked(c), nil
	case StateOpen:
		return Card{}, ErrNotClaimed
	}
	// A non-hedged card accepts terminal transitions only from its current
	// claimant. The claimant's own lease may have expired in the meantime;
	// as long as nobody superseded it, the work still lands.
	if !c.HedgedExecution && c.ClaimedBy != nodeID {
		return Card{}, ErrLeaseHeld
	}
	c.State = terminal
	c.Result = result
	c.ClaimedBy = ""
	c.LeaseExpiresAt = nil
	return s.copyLocked(c), nil
}

func (s *Store) effectiveOpenLocked(c *Card) bool {
	switch c.State {
	case StateOpen:
		return true
	case StateClaimed:
		return c.HedgedExecution || s.leaseExpiredLocked(c)
	}
	return false
}

func (s *Store) leaseExpiredLocked(c *Card) bool {
	if c.LeaseExpiresAt == nil {
		return true
	}
	return !s.clock.Now().Before(*c.LeaseExpiresAt)
}

func (s *Store) copyLocked(c *Card) Card {
	out := *c
	if c.LeaseExpiresAt != nil {
		t := *c.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	return out
}

func sortCards(cards []Card) {
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
}
