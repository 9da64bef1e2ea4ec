package coinflip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Settle completes a pending match: the whole escrow is credited to the
// winner and the match becomes completed. Settling an already completed
// match is a no-op and reports false, so the timer and the sweep may race.
func (s *Service) Settle(ctx context.Context, matchID string) (Match, bool, error) {
	matchID = strings.TrimSpace(matchID)
	var (
		out     Match
		settled bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		settled = false
		m, err := tx.LockMatch(ctx, matchID)
		if err != nil {
			return err
		}
		switch m.Status {
		case StatusCompleted:
			out = m
			return nil
		case StatusActive:
			return fmt.Errorf("%w: match has no member yet", ErrInvalidState)
		}

		winner, ok := m.Winner()
		if !ok {
			return fmt.Errorf("%w: pending match has no result", ErrInvalidState)
		}
		now := s.now()
		ok, err = tx.CompleteMatch(ctx, m.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			// Lost to a concurrent settler between lock and update.
			out = m
			return nil
		}
		if err := AddInstances(ctx, tx, winner, m.Items); err != nil {
			return err
		}
		if err := tx.AppendMovements(ctx, movements(m.ID, winner, m.Items, MovementPayout, now)); err != nil {
			return err
		}
		m.Status = StatusCompleted
		m.SettledAt = &now
		out = m
		settled = true
		return nil
	})
	if err != nil {
		return Match{}, false, err
	}
	s.timers.forget(matchID)
	if settled {
		winner, _ := out.Winner()
		s.log.Info("match settled", "match_id", out.ID, "result", out.Result, "winner_id", winner, "items", len(out.Items))
		s.publish(ctx, newEvent(EventMatchSettled, out, *out.SettledAt))
	}
	return out.Public(), settled, nil
}

// SettleDue settles every pending match whose settle_after has passed. It is
// the recovery path for timers lost to a restart.
func (s *Service) SettleDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepSize
	}
	ids, err := s.store.ListDueSettlements(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, settled, err := s.Settle(ctx, id)
		if err != nil {
			s.log.Warn("sweep settle failed", "match_id", id, "err", err)
			errs = append(errs, fmt.Errorf("settle %s: %w", id, err))
			continue
		}
		if settled {
			n++
		}
	}
	if n > 0 {
		s.log.Info("sweep settled matches", "count", n, "due", len(ids))
	}
	return n, errors.Join(errs...)
}

// Close stops outstanding settlement timers. Pending matches stay in the
// store and are picked up by the next sweep.
func (s *Service) Close() {
	s.timers.stopAll()
}

func (s *Service) schedule(matchID string, delay time.Duration) {
	s.timers.add(matchID, delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if _, _, err := s.Settle(ctx, matchID); err != nil {
			s.log.Warn("timed settle failed, leaving to sweep", "match_id", matchID, "err", err)
		}
	})
}

type timerSet struct {
	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

func (t *timerSet) add(id string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = time.AfterFunc(delay, fn)
}

func (t *timerSet) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.timers, id)
}

func (t *timerSet) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}

func (t *timerSet) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
