package view

import (
	"testing"

	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(kind coinflip.EventKind, m coinflip.Match) coinflip.Event {
	pub := m.Public()
	return coinflip.Event{
		Kind:        kind,
		MatchID:     m.ID,
		CreatorID:   m.CreatorID,
		MemberID:    m.MemberID,
		CreatorSide: m.CreatorSide,
		Result:      pub.Result,
		Match:       &pub,
	}
}

func TestReduceLifecycle(t *testing.T) {
	m := coinflip.Match{ID: "m1", CreatorID: "alice", CreatorSide: coinflip.SideHeads, Status: coinflip.StatusActive}
	other := coinflip.Match{ID: "m0", CreatorID: "carol", CreatorSide: coinflip.SideTails, Status: coinflip.StatusActive}

	s := Load(State{}, []coinflip.Match{other})
	s = Reduce(s, "bob", event(coinflip.EventMatchCreated, m))
	require.Len(t, s.Matches, 2)
	assert.Equal(t, "m1", s.Matches[0].ID, "newest first")

	dup := Reduce(s, "bob", event(coinflip.EventMatchCreated, m))
	assert.Len(t, dup.Matches, 2)

	m.MemberID = "bob"
	m.Status = coinflip.StatusPending
	m.Result = coinflip.SideHeads
	s = Reduce(s, "bob", event(coinflip.EventMatchJoined, m))
	require.Len(t, s.Matches, 1)
	assert.Equal(t, Flip{MatchID: "m1", UserSide: coinflip.SideTails, IsFlipping: true, ShowModal: true}, s.Flip)
	assert.Empty(t, s.Flip.Result, "result unknown while flipping")

	m.Status = coinflip.StatusCompleted
	s = Reduce(s, "bob", event(coinflip.EventMatchSettled, m))
	assert.Equal(t, coinflip.SideHeads, s.Flip.WinnerSide)
	assert.False(t, s.Flip.IsFlipping)
	assert.True(t, s.Flip.ShowModal)
	assert.False(t, s.Flip.Won)

	s = DismissFlip(s)
	assert.Equal(t, Flip{}, s.Flip)
}

func TestReduceIgnoresOtherPlayersFlips(t *testing.T) {
	m := coinflip.Match{ID: "m1", CreatorID: "alice", MemberID: "bob", CreatorSide: coinflip.SideHeads, Status: coinflip.StatusPending}
	s := Load(State{}, []coinflip.Match{{ID: "m1"}})
	s = Reduce(s, "carol", event(coinflip.EventMatchJoined, m))
	assert.Empty(t, s.Matches)
	assert.False(t, s.Flip.ShowModal)
}

func TestReduceCancelledDoesNotMutateInput(t *testing.T) {
	in := Load(State{}, []coinflip.Match{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	out := Reduce(in, "x", coinflip.Event{Kind: coinflip.EventMatchCancelled, MatchID: "b"})
	assert.Equal(t, []string{"a", "c"}, ids(out.Matches))
	assert.Equal(t, []string{"a", "b", "c"}, ids(in.Matches))
}

func TestPersonalize(t *testing.T) {
	m := coinflip.Match{ID: "m1", CreatorID: "alice", MemberID: "bob", CreatorSide: coinflip.SideTails, Status: coinflip.StatusCompleted, Result: coinflip.SideTails}
	p := Personalize("bob", event(coinflip.EventMatchSettled, m))
	assert.Equal(t, coinflip.SideHeads, p.UserSide)
	assert.Equal(t, coinflip.SideTails, p.WinnerSide)

	p = Personalize("zed", event(coinflip.EventMatchJoined, m))
	assert.Empty(t, p.UserSide)
	assert.True(t, p.IsFlipping)
}

func ids(ms []coinflip.Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
