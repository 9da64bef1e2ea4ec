package coinflip

import (
	"context"
	"time"
)

// Store is the shared persisted state. Every mutation goes through WithTx so
// that one operation is one atomic unit of work across ledger and registry.
type Store interface {
	// WithTx runs fn in a single transaction. fn may run more than once when
	// the store retries a serialization conflict, so it must not have side
	// effects outside tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetMatch(ctx context.Context, id string) (Match, error)
	ListActiveMatches(ctx context.Context, limit int) ([]Match, error)
	ListCompletedMatches(ctx context.Context, actorID string, limit int) ([]Match, error)
	ListDueSettlements(ctx context.Context, now time.Time, limit int) ([]string, error)
	Inventory(ctx context.Context, actorID string) ([]string, error)
	Catalog(ctx context.Context) ([]CatalogItem, error)
}

type Tx interface {
	// LockInventory reads the actor's ledger and holds it for the rest of the
	// transaction. It returns ErrInventoryNotFound when the actor has no entry.
	LockInventory(ctx context.Context, actorID string) ([]string, error)
	// SaveInventory replaces the actor's ledger, creating the entry if missing.
	SaveInventory(ctx context.Context, actorID string, items []string) error
	// CreateInventory inserts an entry unless one exists and reports whether it did.
	CreateInventory(ctx context.Context, actorID string, items []string) (bool, error)

	ItemValues(ctx context.Context, ids []string) (map[string]int64, error)
	UpsertCatalog(ctx context.Context, items []CatalogItem) error
	CatalogSize(ctx context.Context) (int, error)

	InsertMatch(ctx context.Context, m Match) error
	// LockMatch returns ErrNotFound when no record exists.
	LockMatch(ctx context.Context, id string) (Match, error)
	// JoinMatch sets the member, escrow, result and status only if the match
	// is still active with no member. It reports whether the row changed.
	JoinMatch(ctx context.Context, id string, j JoinUpdate) (bool, error)
	// DeleteActiveMatch removes the record only if it is active, unjoined and
	// owned by creatorID.
	DeleteActiveMatch(ctx context.Context, id, creatorID string) (bool, error)
	// CompleteMatch flips pending to completed.
	CompleteMatch(ctx context.Context, id string, settledAt time.Time) (bool, error)

	AppendMovements(ctx context.Context, moves []Movement) error
	ClaimIdempotency(ctx context.Context, actorID, key, action string) error
}

type JoinUpdate struct {
	MemberID    string
	Items       []string
	Result      Side
	Commitment  string
	Seed        string
	JoinedAt    time.Time
	SettleAfter time.Time
}

type MovementKind string

const (
	MovementEscrow MovementKind = "escrow"
	MovementRefund MovementKind = "refund"
	MovementPayout MovementKind = "payout"
)

// Movement is one audit row per instance moved between a ledger and an escrow.
type Movement struct {
	TxGroupID     string
	MatchID       string
	ActorID       string
	CatalogItemID string
	Kind          MovementKind
	CreatedAt     time.Time
}
