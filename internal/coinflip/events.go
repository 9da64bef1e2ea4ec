package coinflip

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventMatchCreated   EventKind = "match_created"
	EventMatchJoined    EventKind = "match_joined"
	EventMatchSettled   EventKind = "match_settled"
	EventMatchCancelled EventKind = "match_cancelled"
)

// Event is a committed state transition published on the notification channel.
// Match always carries the public view, so a pending match never leaks its result.
type Event struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	MatchID     string    `json:"match_id"`
	CreatorID   string    `json:"creator_id"`
	MemberID    string    `json:"member_id,omitempty"`
	CreatorSide Side      `json:"selected_side"`
	Result      Side      `json:"result,omitempty"`
	Match       *Match    `json:"match,omitempty"`
	At          time.Time `json:"at"`
}

func newEvent(kind EventKind, m Match, at time.Time) Event {
	pub := m.Public()
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		MatchID:     m.ID,
		CreatorID:   m.CreatorID,
		MemberID:    m.MemberID,
		CreatorSide: m.CreatorSide,
		Result:      pub.Result,
		Match:       &pub,
		At:          at,
	}
}

// SideOf reports the effective side of a participant in the event's match.
func (e Event) SideOf(actorID string) (Side, bool) {
	m := Match{CreatorID: e.CreatorID, MemberID: e.MemberID, CreatorSide: e.CreatorSide}
	return m.SideOf(actorID)
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) error { return nil }
