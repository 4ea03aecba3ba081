package coordinator

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cards ...Card) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	store := NewStore(clk)
	store.Seed(cards)
	return store, clk
}

func openCard(id string) Card {
	return Card{ID: id, Payload: map[string]any{"kind": "noop"}}
}

func hedgedCard(id string) Card {
	c := openCard(id)
	c.HedgedExecution = true
	return c
}

func TestSeedDefaultsToOpen(t *testing.T) {
	store, _ := newTestStore(t, openCard("card-1"), openCard("card-2"))

	cards := store.ListAll()
	require.Len(t, cards, 2)
	for _, c := range cards {
		assert.Equal(t, StateOpen, c.State)
		assert.Zero(t, c.Attempts)
		assert.Nil(t, c.LeaseExpiresAt)
	}
}

func TestClaimOpenCard(t *testing.T) {
	store, clk := newTestStore(t, openCard("card-1"))

	card, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)

	assert.Equal(t, StateClaimed, card.State)
	assert.Equal(t, "node-a", card.ClaimedBy)
	assert.Equal(t, 1, card.Attempts)
	require.NotNil(t, card.LeaseExpiresAt)
	assert.Equal(t, clk.Now().Add(time.Second), *card.LeaseExpiresAt)
}

func TestClaimFailures(t *testing.T) {
	t.Run("unknown card", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Claim("missing", "node-a", time.Second)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lease still valid", func(t *testing.T) {
		store, clk := newTestStore(t, openCard("card-1"))
		_, err := store.Claim("card-1", "node-a", time.Second)
		require.NoError(t, err)

		clk.Add(500 * time.Millisecond)
		_, err = store.Claim("card-1", "node-b", time.Second)
		assert.ErrorIs(t, err, ErrLeaseHeld)
	})

	t.Run("terminal card", func(t *testing.T) {
		store, _ := newTestStore(t, openCard("card-1"))
		_, err := store.Claim("card-1", "node-a", time.Second)
		require.NoError(t, err)
		_, err = store.Complete("card-1", "node-a", nil)
		require.NoError(t, err)

		_, err = store.Claim("card-1", "node-b", time.Second)
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

func TestClaimSupersedesExpiredLease(t *testing.T) {
	store, clk := newTestStore(t, openCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)

	// Deadline semantics: the lease is dead at exactly its expiry instant.
	clk.Add(time.Second)

	card, err := store.Claim("card-1", "node-b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "node-b", card.ClaimedBy)
	assert.Equal(t, 2, card.Attempts)
}

func TestClaimOwnExpiredLeaseRejected(t *testing.T) {
	store, clk := newTestStore(t, openCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)
	clk.Add(2 * time.Second)

	// The original claimant cannot extend its own expired lease by
	// re-claiming; supersede is reserved for a different node.
	_, err = store.Claim("card-1", "node-a", time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld)
}

func TestHedgedClaimAllowsConcurrentClaimants(t *testing.T) {
	store, clk := newTestStore(t, hedgedCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)

	clk.Add(100 * time.Millisecond)
	card, err := store.Claim("card-1", "node-b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "node-b", card.ClaimedBy)
	assert.Equal(t, 2, card.Attempts)
}

func TestRenewExtendsLease(t *testing.T) {
	store, clk := newTestStore(t, openCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)

	clk.Add(900 * time.Millisecond)
	card, err := store.Renew("card-1", "node-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, card.LeaseExpiresAt)
	assert.Equal(t, clk.Now().Add(time.Second), *card.LeaseExpiresAt)
}

func TestRenewFailures(t *testing.T) {
	t.Run("unknown card", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Renew("missing", "node-a", time.Second)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("open card", func(t *testing.T) {
		store, _ := newTestStore(t, openCard("card-1"))
		_, err := store.Renew("card-1", "node-a", time.Second)
		assert.ErrorIs(t, err, ErrNotClaimed)
	})

	t.Run("wrong node", func(t *testing.T) {
		store, _ := newTestStore(t, openCard("card-1"))
		_, err := store.Claim("card-1", "node-a", time.Second)
		require.NoError(t, err)

		_, err = store.Renew("card-1", "node-b", time.Second)
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("expired lease never resurrects", func(t *testing.T) {
		store, clk := newTestStore(t, openCard("card-1"))
		_, err := store.Claim("card-1", "node-a", time.Second)
		require.NoError(t, err)

		clk.Add(time.Second)
		_, err = store.Renew("card-1", "node-a", time.Second)
		assert.ErrorIs(t, err, ErrLeaseExpired)
	})

	t.Run("terminal card", func(t *testing.T) {
		store, _ := newTestStore(t, openCard("card-1"))
		_, err := store.Claim("card-1", "node-a", time.Second)
		require.NoError(t, err)
		_, err = store.Fail("card-1", "node-a", nil)
		require.NoError(t, err)

		_, err = store.Renew("card-1", "node-a", time.Second)
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

func TestCompleteCommitsResult(t *testing.T) {
	store, _ := newTestStore(t, openCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)

	card, err := store.Complete("card-1", "node-a", map[string]any{"rows": 3})
	require.NoError(t, err)

	assert.Equal(t, StateDone, card.State)
	assert.Equal(t, map[string]any{"rows": 3}, card.Result)
	assert.Empty(t, card.ClaimedBy)
	assert.Nil(t, card.LeaseExpiresAt)
	assert.Equal(t, 1, card.Attempts)
}

func TestFirstTerminalTransitionWins(t *testing.T) {
	store, clk := newTestStore(t, openCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)
	clk.Add(time.Second)
	_, err = store.Claim("card-1", "node-b", time.Second)
	require.NoError(t, err)

	_, err = store.Complete("card-1", "node-b", map[string]any{"by": "node-b"})
	require.NoError(t, err)

	// The superseded claimant publishes late and gets the committed
	// outcome back, not its own.
	card, err := store.Complete("card-1", "node-a", map[string]any{"by": "node-a"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, card.State)
	assert.Equal(t, map[string]any{"by": "node-b"}, card.Result)

	// A late Fail cannot flip a committed DONE either.
	card, err = store.Fail("card-1", "node-a", map[string]any{"by": "node-a"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, card.State)
	assert.Equal(t, map[string]any{"by": "node-b"}, card.Result)
}

func TestCompleteFailures(t *testing.T) {
	t.Run("unknown card", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Complete("missing", "node-a", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("open card", func(t *testing.T) {
		store, _ := newTestStore(t, openCard("card-1"))
		_, err := store.Complete("card-1", "node-a", nil)
		assert.ErrorIs(t, err, ErrNotClaimed)
	})

	t.Run("non-claimant on live claim", func(t *testing.T) {
		store, _ := newTestStore(t, openCard("card-1"))
		_, err := store.Claim("card-1", "node-a", time.Second)
		require.NoError(t, err)

		_, err = store.Complete("card-1", "node-b", nil)
		assert.ErrorIs(t, err, ErrLeaseHeld)
	})
}

func TestCompleteAfterOwnLeaseExpired(t *testing.T) {
	store, clk := newTestStore(t, openCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)
	clk.Add(5 * time.Second)

	// Nobody superseded, so the slow claimant still lands its result.
	card, err := store.Complete("card-1", "node-a", map[string]any{"late": true})
	require.NoError(t, err)
	assert.Equal(t, StateDone, card.State)
	assert.Equal(t, map[string]any{"late": true}, card.Result)
}

func TestHedgedCompleteFromAnyClaimant(t *testing.T) {
	store, _ := newTestStore(t, hedgedCard("card-1"))

	_, err := store.Claim("card-1", "node-a", time.Second)
	require.NoError(t, err)
	_, err = store.Claim("card-1", "node-b", time.Second)
	require.NoError(t, err)

	// node-a is no longer the recorded claimant but hedged cards accept
	// the first terminal transition from any node.
	card, err := store.Complete("card-1", "node-a", map[string]any{"winner": "node-a"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, card.State)
	assert.Equal(t, map[string]any{"winner": "node-a"}, card.Result)
}

func TestListEffectiveOpen(t *testing.T) {
	store, clk := newTestStore(t,
		openCard("card-open"),
		openCard("card-claimed"),
		openCard("card-expired"),
		openCard("card-done"),
		hedgedCard("card-hedged"),
	)

	_, err := store.Claim("card-claimed", "node-a", time.Hour)
	require.NoError(t, err)
	_, err = store.Claim("card-expired", "node-a", time.Second)
	require.NoError(t, err)
	_, err = store.Claim("card-done", "node-a", time.Hour)
	require.NoError(t, err)
	_, err = store.Complete("card-done", "node-a", nil)
	require.NoError(t, err)
	_, err = store.Claim("card-hedged", "node-a", time.Hour)
	require.NoError(t, err)

	clk.Add(time.Second)

	open := store.ListEffectiveOpen()
	ids := make([]string, 0, len(open))
	for _, c := range open {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"card-expired", "card-hedged", "card-open"}, ids)
}

func TestGetReturnsCopy(t *testing.T) {
	store, _ := newTestStore(t, openCard("card-1"))

	card, err := store.Get("card-1")
	require.NoError(t, err)
	card.State = StateFailed

	again, err := store.Get("card-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, again.State)
}
