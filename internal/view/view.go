// Package view folds notification events into the state a client renders:
// the list of joinable matches and the flip modal for the viewer's own match.
package view

import (
	"github.com/starfariii/coinflip1/internal/coinflip"
)

type Flip struct {
	MatchID    string        `json:"match_id,omitempty"`
	Result     coinflip.Side `json:"result,omitempty"`
	WinnerSide coinflip.Side `json:"winner_side,omitempty"`
	UserSide   coinflip.Side `json:"user_side,omitempty"`
	IsFlipping bool          `json:"is_flipping"`
	ShowModal  bool          `json:"show_modal"`
	Won        bool          `json:"won"`
}

type State struct {
	Matches []coinflip.Match `json:"matches"`
	Flip    Flip             `json:"flip"`
}

// Load replaces the active list with a fresh snapshot.
func Load(s State, matches []coinflip.Match) State {
	s.Matches = append([]coinflip.Match(nil), matches...)
	return s
}

// DismissFlip closes the modal, as the result dialog's close button does.
func DismissFlip(s State) State {
	s.Flip = Flip{}
	return s
}

// Reduce applies one event for the viewer actorID and returns the new state.
// The input state is never modified.
func Reduce(s State, actorID string, ev coinflip.Event) State {
	switch ev.Kind {
	case coinflip.EventMatchCreated:
		if ev.Match == nil || indexOf(s.Matches, ev.MatchID) >= 0 {
			return s
		}
		next := make([]coinflip.Match, 0, len(s.Matches)+1)
		next = append(next, *ev.Match)
		s.Matches = append(next, s.Matches...)

	case coinflip.EventMatchJoined:
		s.Matches = without(s.Matches, ev.MatchID)
		if side, ok := ev.SideOf(actorID); ok {
			s.Flip = Flip{MatchID: ev.MatchID, UserSide: side, IsFlipping: true, ShowModal: true}
		}

	case coinflip.EventMatchSettled:
		s.Matches = without(s.Matches, ev.MatchID)
		if side, ok := ev.SideOf(actorID); ok && ev.Result != "" {
			s.Flip = Flip{
				MatchID:    ev.MatchID,
				Result:     ev.Result,
				WinnerSide: ev.Result,
				UserSide:   side,
				ShowModal:  true,
				Won:        side == ev.Result,
			}
		}

	case coinflip.EventMatchCancelled:
		s.Matches = without(s.Matches, ev.MatchID)
	}
	return s
}

// Personal is an event as seen by one viewer.
type Personal struct {
	coinflip.Event
	UserSide   coinflip.Side `json:"user_side,omitempty"`
	WinnerSide coinflip.Side `json:"winner_side,omitempty"`
	IsFlipping bool          `json:"is_flipping"`
}

func Personalize(actorID string, ev coinflip.Event) Personal {
	p := Personal{Event: ev}
	if side, ok := ev.SideOf(actorID); ok {
		p.UserSide = side
	}
	switch ev.Kind {
	case coinflip.EventMatchJoined:
		p.IsFlipping = true
	case coinflip.EventMatchSettled:
		p.WinnerSide = ev.Result
	}
	return p
}

func indexOf(ms []coinflip.Match, id string) int {
	for i, m := range ms {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func without(ms []coinflip.Match, id string) []coinflip.Match {
	i := indexOf(ms, id)
	if i < 0 {
		return ms
	}
	out := make([]coinflip.Match, 0, len(ms)-1)
	out = append(out, ms[:i]...)
	return append(out, ms[i+1:]...)
}
