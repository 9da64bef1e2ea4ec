package coinflip

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// Join value must fall within [BandLowPercent, BandHighPercent] of the creator's stake.
	BandLowPercent  = int64(90)
	BandHighPercent = int64(110)

	DefaultSettleDelay = 2 * time.Second
	MaxStakeItems      = 32
)

var (
	ErrNotFound             = errors.New("match not found")
	ErrInvalidState         = errors.New("match is not in a valid state for this operation")
	ErrAlreadyTaken         = errors.New("another player joined this match first")
	ErrValueOutOfRange      = errors.New("stake value out of range")
	ErrForbidden            = errors.New("forbidden")
	ErrInsufficientStake    = errors.New("selected items are no longer in your inventory")
	ErrInventoryNotFound    = errors.New("inventory not found")
	ErrIndexOutOfRange      = errors.New("inventory position out of range")
	ErrEmptyStake           = errors.New("at least one item must be staked")
	ErrTooManyItems         = fmt.Errorf("at most %d items may be staked", MaxStakeItems)
	ErrInvalidSide          = errors.New("side must be heads or tails")
	ErrTxConflict           = errors.New("transaction conflict, retry")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
)

type Side string

const (
	SideHeads Side = "heads"
	SideTails Side = "tails"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideHeads:
		return SideHeads, nil
	case SideTails:
		return SideTails, nil
	default:
		return "", ErrInvalidSide
	}
}

// Opposite returns the member's effective side for a creator side.
func (s Side) Opposite() Side {
	if s == SideHeads {
		return SideTails
	}
	return SideHeads
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// StakeRef selects one held instance by its position in the actor's ledger.
// CatalogItemID is required and must match the instance currently at that
// position, so a selection made against an older read of the ledger fails.
type StakeRef struct {
	CatalogItemID string `json:"catalog_item_id"`
	Position      int    `json:"position"`
}

// StakeInstance is one concrete owned unit of a catalog item.
type StakeInstance struct {
	Position      int    `json:"position"`
	CatalogItemID string `json:"catalog_item_id"`
}

type CatalogItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Value    int64  `json:"value"`
	Rarity   string `json:"rarity"`
	ImageURL string `json:"image_url,omitempty"`
}

type Match struct {
	ID           string     `json:"id"`
	CreatorID    string     `json:"creator_id"`
	MemberID     string     `json:"member_id,omitempty"`
	CreatorSide  Side       `json:"selected_side"`
	Items        []string   `json:"items_ids"`
	CreatorStake int        `json:"creator_stake_count"`
	Status       Status     `json:"status"`
	Result       Side       `json:"result,omitempty"`
	Commitment   string     `json:"commitment,omitempty"`
	Seed         string     `json:"seed,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	JoinedAt     *time.Time `json:"joined_at,omitempty"`
	SettleAfter  *time.Time `json:"settle_after,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

func (m Match) MemberSide() Side {
	return m.CreatorSide.Opposite()
}

// SideOf reports the effective side of a participant.
func (m Match) SideOf(actorID string) (Side, bool) {
	switch {
	case actorID == "":
		return "", false
	case actorID == m.CreatorID:
		return m.CreatorSide, true
	case actorID == m.MemberID:
		return m.MemberSide(), true
	default:
		return "", false
	}
}

func (m Match) IsParticipant(actorID string) bool {
	_, ok := m.SideOf(actorID)
	return ok
}

// Winner returns the actor whose side equals the fixed result.
func (m Match) Winner() (string, bool) {
	if m.Result == "" || m.MemberID == "" {
		return "", false
	}
	if m.Result == m.CreatorSide {
		return m.CreatorID, true
	}
	return m.MemberID, true
}

func (m Match) CreatorItems() []string {
	n := min(m.CreatorStake, len(m.Items))
	return append([]string(nil), m.Items[:n]...)
}

func (m Match) MemberItems() []string {
	n := min(m.CreatorStake, len(m.Items))
	return append([]string(nil), m.Items[n:]...)
}

// Public hides the outcome and the fairness seed until the match is completed.
func (m Match) Public() Match {
	out := m
	out.Items = append([]string(nil), m.Items...)
	if m.Status != StatusCompleted {
		out.Result = ""
		out.Seed = ""
	}
	return out
}

type InventoryItem struct {
	StakeInstance
	Name   string `json:"name"`
	Value  int64  `json:"value"`
	Rarity string `json:"rarity"`
}

type Inventory struct {
	ActorID    string          `json:"actor_id"`
	Items      []InventoryItem `json:"items"`
	TotalValue int64           `json:"total_value"`
}

type HistoryEntry struct {
	MatchID   string    `json:"match_id"`
	Result    Side      `json:"result"`
	UserSide  Side      `json:"user_side"`
	Won       bool      `json:"won"`
	Amount    int64     `json:"amount"`
	SettledAt time.Time `json:"settled_at"`
}

// MaxStakeValue is the largest stake total the band check can scale without
// overflowing int64.
const MaxStakeValue = math.MaxInt64 / BandHighPercent

// WithinBand reports whether joinValue is within 90%..110% of creatorValue.
func WithinBand(creatorValue, joinValue int64) bool {
	if creatorValue < 0 || joinValue < 0 || creatorValue > MaxStakeValue || joinValue > MaxStakeValue {
		return false
	}
	return joinValue*100 >= creatorValue*BandLowPercent && joinValue*100 <= creatorValue*BandHighPercent
}

// BandBounds returns the display bounds of the accepted join value.
func BandBounds(creatorValue int64) (lo, hi int64) {
	lo = int64(math.Floor(float64(creatorValue) * float64(BandLowPercent) / 100))
	hi = int64(math.Ceil(float64(creatorValue) * float64(BandHighPercent) / 100))
	return lo, hi
}

func bandError(creatorValue, joinValue int64) error {
	lo, hi := BandBounds(creatorValue)
	return fmt.Errorf("%w: total value %d must be between %d and %d coins", ErrValueOutOfRange, joinValue, lo, hi)
}

func sumValues(ids []string, values map[string]int64) (int64, error) {
	var total int64
	for _, id := range ids {
		v, ok := values[id]
		if !ok {
			return 0, fmt.Errorf("catalog item %q not found", id)
		}
		if v < 0 || v > MaxStakeValue-total {
			return 0, fmt.Errorf("%w: stake total exceeds %d", ErrValueOutOfRange, MaxStakeValue)
		}
		total += v
	}
	return total, nil
}
