package coinflip

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	activeListLimit  = 200
	historyMaxLimit  = 100
	publishTimeout   = 5 * time.Second
	settleTimeout    = 30 * time.Second
	defaultSweepSize = 100
)

var defaultCatalog = []CatalogItem{
	{ID: "bronze-coin", Name: "Bronze Coin", Value: 10, Rarity: "common"},
	{ID: "silver-coin", Name: "Silver Coin", Value: 25, Rarity: "common"},
	{ID: "gold-coin", Name: "Gold Coin", Value: 50, Rarity: "rare"},
	{ID: "ruby-ring", Name: "Ruby Ring", Value: 100, Rarity: "rare"},
	{ID: "emerald-amulet", Name: "Emerald Amulet", Value: 250, Rarity: "epic"},
	{ID: "sapphire-crown", Name: "Sapphire Crown", Value: 500, Rarity: "epic"},
	{ID: "dragon-scale", Name: "Dragon Scale", Value: 1000, Rarity: "legendary"},
}

var defaultStarterPack = []string{
	"bronze-coin", "bronze-coin",
	"silver-coin", "silver-coin",
	"gold-coin",
	"ruby-ring",
}

type Service struct {
	store       Store
	notifier    Notifier
	log         *slog.Logger
	settleDelay time.Duration
	now         func() time.Time
	starter     []string
	timers      *timerSet

	mu      sync.Mutex
	entropy io.Reader
}

type Option func(*Service)

func WithSettleDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.settleDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEntropy replaces crypto/rand as the source of fairness seeds.
func WithEntropy(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.entropy = r
		}
	}
}

func WithStarterPack(items []string) Option {
	return func(s *Service) {
		s.starter = append([]string(nil), items...)
	}
}

func NewService(store Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	s := &Service{
		store:       store,
		notifier:    notifier,
		log:         logger,
		settleDelay: DefaultSettleDelay,
		now:         func() time.Time { return time.Now().UTC() },
		starter:     append([]string(nil), defaultStarterPack...),
		timers:      newTimerSet(),
		entropy:     rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateMatchInput struct {
	ActorID        string
	Side           Side
	Items          []StakeRef
	IdempotencyKey string
}

type JoinMatchInput struct {
	ActorID        string
	MatchID        string
	Items          []StakeRef
	IdempotencyKey string
}

type CancelMatchInput struct {
	ActorID        string
	MatchID        string
	IdempotencyKey string
}

// CreateMatch escrows the selected ledger positions into a new active match.
func (s *Service) CreateMatch(ctx context.Context, in CreateMatchInput) (Match, error) {
	side, err := ParseSide(string(in.Side))
	if err != nil {
		return Match{}, err
	}
	if err := validateStake(in.ActorID, in.Items); err != nil {
		return Match{}, err
	}

	var out Match
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.ActorID, in.IdempotencyKey, "create_match"); err != nil {
			return err
		}
		removed, err := RemoveInstances(ctx, tx, in.ActorID, in.Items)
		if err != nil {
			return stakeError(err)
		}
		now := s.now()
		m := Match{
			ID:           uuid.NewString(),
			CreatorID:    in.ActorID,
			CreatorSide:  side,
			Items:        instanceIDs(removed),
			CreatorStake: len(removed),
			Status:       StatusActive,
			CreatedAt:    now,
		}
		if err := tx.InsertMatch(ctx, m); err != nil {
			return err
		}
		if err := tx.AppendMovements(ctx, movements(m.ID, in.ActorID, m.Items, MovementEscrow, now)); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return Match{}, err
	}

	s.log.Info("match created", "match_id", out.ID, "actor_id", out.CreatorID, "side", out.CreatorSide, "items", len(out.Items))
	s.publish(ctx, newEvent(EventMatchCreated, out, out.CreatedAt))
	return out, nil
}

// JoinMatch fills an active match. The outcome is drawn and stored inside the
// same transaction that sets the member, then disclosed by Settle after the
// settlement delay.
func (s *Service) JoinMatch(ctx context.Context, in JoinMatchInput) (Match, error) {
	if err := validateStake(in.ActorID, in.Items); err != nil {
		return Match{}, err
	}
	in.MatchID = strings.TrimSpace(in.MatchID)
	if in.MatchID == "" {
		return Match{}, ErrNotFound
	}

	var out Match
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.ActorID, in.IdempotencyKey, "join_match"); err != nil {
			return err
		}
		m, err := tx.LockMatch(ctx, in.MatchID)
		if err != nil {
			return err
		}
		if err := joinGuard(m, in.ActorID); err != nil {
			return err
		}

		removed, err := RemoveInstances(ctx, tx, in.ActorID, in.Items)
		if err != nil {
			return stakeError(err)
		}
		joinItems := instanceIDs(removed)
		creatorItems := m.CreatorItems()
		values, err := tx.ItemValues(ctx, append(append([]string(nil), creatorItems...), joinItems...))
		if err != nil {
			return err
		}
		creatorValue, err := sumValues(creatorItems, values)
		if err != nil {
			return err
		}
		joinValue, err := sumValues(joinItems, values)
		if err != nil {
			return err
		}
		if !WithinBand(creatorValue, joinValue) {
			return bandError(creatorValue, joinValue)
		}

		d, err := s.draw()
		if err != nil {
			return err
		}
		now := s.now()
		settleAfter := now.Add(s.settleDelay)
		ok, err := tx.JoinMatch(ctx, m.ID, JoinUpdate{
			MemberID:    in.ActorID,
			Items:       joinItems,
			Result:      d.Result,
			Commitment:  d.Commitment,
			Seed:        d.Seed,
			JoinedAt:    now,
			SettleAfter: settleAfter,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyTaken
		}
		if err := tx.AppendMovements(ctx, movements(m.ID, in.ActorID, joinItems, MovementEscrow, now)); err != nil {
			return err
		}

		m.MemberID = in.ActorID
		m.Items = append(m.Items, joinItems...)
		m.Status = StatusPending
		m.Result = d.Result
		m.Commitment = d.Commitment
		m.Seed = d.Seed
		m.JoinedAt = &now
		m.SettleAfter = &settleAfter
		out = m
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTaken) {
			s.log.Debug("join lost race", "match_id", in.MatchID, "actor_id", in.ActorID)
		}
		return Match{}, err
	}

	s.log.Info("match joined", "match_id", out.ID, "actor_id", out.MemberID, "settle_after", out.SettleAfter)
	s.publish(ctx, newEvent(EventMatchJoined, out, *out.JoinedAt))
	s.schedule(out.ID, s.settleDelay)
	return out.Public(), nil
}

// CancelMatch deletes an unjoined match and returns its escrow to the creator.
func (s *Service) CancelMatch(ctx context.Context, in CancelMatchInput) error {
	if strings.TrimSpace(in.ActorID) == "" {
		return ErrForbidden
	}
	var cancelled Match
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.ActorID, in.IdempotencyKey, "cancel_match"); err != nil {
			return err
		}
		m, err := tx.LockMatch(ctx, strings.TrimSpace(in.MatchID))
		if err != nil {
			return err
		}
		if m.CreatorID != in.ActorID {
			return fmt.Errorf("%w: only the match creator can cancel the match", ErrForbidden)
		}
		if m.MemberID != "" || m.Status != StatusActive {
			return fmt.Errorf("%w: cannot cancel a %s match", ErrInvalidState, m.Status)
		}
		ok, err := tx.DeleteActiveMatch(ctx, m.ID, in.ActorID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: match was joined concurrently", ErrInvalidState)
		}
		if err := AddInstances(ctx, tx, in.ActorID, m.Items); err != nil {
			return err
		}
		if err := tx.AppendMovements(ctx, movements(m.ID, in.ActorID, m.Items, MovementRefund, s.now())); err != nil {
			return err
		}
		cancelled = m
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("match cancelled", "match_id", cancelled.ID, "actor_id", in.ActorID, "refunded", len(cancelled.Items))
	s.publish(ctx, newEvent(EventMatchCancelled, cancelled, s.now()))
	return nil
}

// ListActiveMatches returns joinable matches, newest first.
func (s *Service) ListActiveMatches(ctx context.Context) ([]Match, error) {
	rows, err := s.store.ListActiveMatches(ctx, activeListLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Public())
	}
	return out, nil
}

func (s *Service) GetMatch(ctx context.Context, id string) (Match, error) {
	m, err := s.store.GetMatch(ctx, strings.TrimSpace(id))
	if err != nil {
		return Match{}, err
	}
	return m.Public(), nil
}

func (s *Service) Catalog(ctx context.Context) ([]CatalogItem, error) {
	return s.store.Catalog(ctx)
}

func (s *Service) Inventory(ctx context.Context, actorID string) (Inventory, error) {
	out := Inventory{ActorID: actorID, Items: []InventoryItem{}}
	held, err := s.store.Inventory(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrInventoryNotFound) {
			return out, nil
		}
		return out, err
	}
	catalog, err := s.catalogIndex(ctx)
	if err != nil {
		return out, err
	}
	for pos, id := range held {
		item := InventoryItem{StakeInstance: StakeInstance{Position: pos, CatalogItemID: id}}
		if c, ok := catalog[id]; ok {
			item.Name = c.Name
			item.Value = c.Value
			item.Rarity = c.Rarity
		}
		out.TotalValue += item.Value
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// History lists the actor's completed matches, newest first.
func (s *Service) History(ctx context.Context, actorID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	rows, err := s.store.ListCompletedMatches(ctx, actorID, limit)
	if err != nil {
		return nil, err
	}
	catalog, err := s.catalogIndex(ctx)
	if err != nil {
		return nil, err
	}
	value := func(ids []string) int64 {
		var total int64
		for _, id := range ids {
			total += catalog[id].Value
		}
		return total
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, m := range rows {
		side, ok := m.SideOf(actorID)
		if !ok {
			continue
		}
		winner, _ := m.Winner()
		entry := HistoryEntry{
			MatchID:  m.ID,
			Result:   m.Result,
			UserSide: side,
			Won:      winner == actorID,
		}
		own, other := m.CreatorItems(), m.MemberItems()
		if actorID == m.MemberID {
			own, other = other, own
		}
		if entry.Won {
			entry.Amount = value(other)
		} else {
			entry.Amount = value(own)
		}
		if m.SettledAt != nil {
			entry.SettledAt = *m.SettledAt
		}
		out = append(out, entry)
	}
	return out, nil
}

// EnsurePlayer grants the starter pack to an actor with no ledger entry.
func (s *Service) EnsurePlayer(ctx context.Context, actorID string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return false, ErrForbidden
	}
	var created bool
	err := s.store.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.CreateInventory(ctx, actorID, s.starter)
		if err != nil {
			return err
		}
		created = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.log.Info("player provisioned", "actor_id", actorID, "items", len(s.starter))
	}
	return created, nil
}

// SeedCatalog installs the default catalog when the catalog is empty.
func (s *Service) SeedCatalog(ctx context.Context) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		n, err := tx.CatalogSize(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return tx.UpsertCatalog(ctx, defaultCatalog)
	})
}

func (s *Service) catalogIndex(ctx context.Context) (map[string]CatalogItem, error) {
	items, err := s.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]CatalogItem, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func (s *Service) draw() (draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return drawResult(s.entropy)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.log.Warn("publish event failed", "kind", ev.Kind, "match_id", ev.MatchID, "err", err)
	}
}

func joinGuard(m Match, actorID string) error {
	switch {
	case m.CreatorID == actorID:
		return fmt.Errorf("%w: cannot join your own match", ErrForbidden)
	case m.MemberID != "":
		return ErrAlreadyTaken
	case m.Status != StatusActive:
		return fmt.Errorf("%w: match is %s", ErrInvalidState, m.Status)
	}
	return nil
}

func validateStake(actorID string, refs []StakeRef) error {
	if strings.TrimSpace(actorID) == "" {
		return ErrForbidden
	}
	if len(refs) == 0 {
		return ErrEmptyStake
	}
	if len(refs) > MaxStakeItems {
		return ErrTooManyItems
	}
	for _, ref := range refs {
		if strings.TrimSpace(ref.CatalogItemID) == "" {
			return fmt.Errorf("%w: position %d has no catalog item id", ErrInsufficientStake, ref.Position)
		}
	}
	return nil
}

func claimIdempotency(ctx context.Context, tx Tx, actorID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return tx.ClaimIdempotency(ctx, actorID, key, action)
}

func movements(matchID, actorID string, items []string, kind MovementKind, at time.Time) []Movement {
	group := uuid.NewString()
	out := make([]Movement, len(items))
	for i, id := range items {
		out[i] = Movement{
			TxGroupID:     group,
			MatchID:       matchID,
			ActorID:       actorID,
			CatalogItemID: id,
			Kind:          kind,
			CreatedAt:     at,
		}
	}
	return out
}
