package postgres

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	maxAttempts    = 8
	firstRetry     = 75 * time.Millisecond
	maxRetryDelay  = 1200 * time.Millisecond
	matchColumns   = `id, creator_id, member_id, selected_side, items_ids, creator_stake_count, status, result, commitment, seed, created_at, joined_at, settle_after, settled_at`
	serializeError = "40001"
)

type Store struct {
	db *pgxpool.Pool
}

var _ coinflip.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	return db.Migrate(ctx, s.db, sub)
}

// WithTx runs fn in a serializable transaction and retries it on
// serialization failures with exponential backoff.
func (s *Store) WithTx(ctx context.Context, fn func(tx coinflip.Tx) error) error {
	retryDelay := firstRetry
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxRetryDelay {
			retryDelay *= 2
		}
	}
	return coinflip.ErrTxConflict
}

func (s *Store) runTx(ctx context.Context, fn func(tx coinflip.Tx) error) error {
	pgxTx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(&tx{tx: pgxTx}); err != nil {
		return err
	}
	return pgxTx.Commit(ctx)
}

func (s *Store) GetMatch(ctx context.Context, id string) (coinflip.Match, error) {
	m, err := scanMatch(s.db.QueryRow(ctx, `SELECT `+matchColumns+` FROM coinflip.matches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return coinflip.Match{}, coinflip.ErrNotFound
	}
	return m, err
}

func (s *Store) ListActiveMatches(ctx context.Context, limit int) ([]coinflip.Match, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+matchColumns+`
		FROM coinflip.matches
		WHERE status = 'active'
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

func (s *Store) ListCompletedMatches(ctx context.Context, actorID string, limit int) ([]coinflip.Match, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+matchColumns+`
		FROM coinflip.matches
		WHERE status = 'completed' AND (creator_id = $1 OR member_id = $1)
		ORDER BY settled_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

func (s *Store) ListDueSettlements(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id
		FROM coinflip.matches
		WHERE status = 'pending' AND settle_after <= $1
		ORDER BY settle_after ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Inventory(ctx context.Context, actorID string) ([]string, error) {
	var items []string
	err := s.db.QueryRow(ctx, `SELECT items_ids FROM coinflip.inventories WHERE user_id = $1`, actorID).Scan(&items)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coinflip.ErrInventoryNotFound
	}
	if items == nil {
		items = []string{}
	}
	return items, err
}

func (s *Store) Catalog(ctx context.Context) ([]coinflip.CatalogItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, value, rarity, image_url
		FROM coinflip.items
		ORDER BY value ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []coinflip.CatalogItem{}
	for rows.Next() {
		var it coinflip.CatalogItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Value, &it.Rarity, &it.ImageURL); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) LockInventory(ctx context.Context, actorID string) ([]string, error) {
	var items []string
	err := t.tx.QueryRow(ctx, `
		SELECT items_ids
		FROM coinflip.inventories
		WHERE user_id = $1
		FOR UPDATE
	`, actorID).Scan(&items)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coinflip.ErrInventoryNotFound
	}
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func (t *tx) SaveInventory(ctx context.Context, actorID string, items []string) error {
	if items == nil {
		items = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO coinflip.inventories (user_id, items_ids, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET items_ids = EXCLUDED.items_ids, updated_at = now()
	`, actorID, items)
	return err
}

func (t *tx) CreateInventory(ctx context.Context, actorID string, items []string) (bool, error) {
	if items == nil {
		items = []string{}
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO coinflip.inventories (user_id, items_ids, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO NOTHING
	`, actorID, items)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (t *tx) ItemValues(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT id, value FROM coinflip.items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			value int64
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (t *tx) UpsertCatalog(ctx context.Context, items []coinflip.CatalogItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO coinflip.items (id, name, value, rarity, image_url)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				value = EXCLUDED.value,
				rarity = EXCLUDED.rarity,
				image_url = EXCLUDED.image_url
		`, it.ID, it.Name, it.Value, it.Rarity, it.ImageURL)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *tx) CatalogSize(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM coinflip.items`).Scan(&n)
	return n, err
}

func (t *tx) InsertMatch(ctx context.Context, m coinflip.Match) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO coinflip.matches (id, creator_id, selected_side, items_ids, creator_stake_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.CreatorID, string(m.CreatorSide), m.Items, m.CreatorStake, string(m.Status), m.CreatedAt)
	return err
}

func (t *tx) LockMatch(ctx context.Context, id string) (coinflip.Match, error) {
	m, err := scanMatch(t.tx.QueryRow(ctx, `
		SELECT `+matchColumns+`
		FROM coinflip.matches
		WHERE id = $1
		FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return coinflip.Match{}, coinflip.ErrNotFound
	}
	return m, err
}

func (t *tx) JoinMatch(ctx context.Context, id string, j coinflip.JoinUpdate) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE coinflip.matches
		SET member_id = $2,
		    items_ids = items_ids || $3::text[],
		    status = 'pending',
		    result = $4,
		    commitment = $5,
		    seed = $6,
		    joined_at = $7,
		    settle_after = $8
		WHERE id = $1 AND status = 'active' AND member_id IS NULL
	`, id, j.MemberID, j.Items, string(j.Result), j.Commitment, j.Seed, j.JoinedAt, j.SettleAfter)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *tx) DeleteActiveMatch(ctx context.Context, id, creatorID string) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		DELETE FROM coinflip.matches
		WHERE id = $1 AND creator_id = $2 AND status = 'active' AND member_id IS NULL
	`, id, creatorID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *tx) CompleteMatch(ctx context.Context, id string, settledAt time.Time) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE coinflip.matches
		SET status = 'completed', settled_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, settledAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *tx) AppendMovements(ctx context.Context, moves []coinflip.Movement) error {
	if len(moves) == 0 {
		return nil
	}
	rows := make([][]any, len(moves))
	for i, mv := range moves {
		rows[i] = []any{mv.TxGroupID, mv.MatchID, mv.ActorID, mv.CatalogItemID, string(mv.Kind), mv.CreatedAt}
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"coinflip", "item_movements"},
		[]string{"tx_group_id", "match_id", "user_id", "item_id", "kind", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (t *tx) ClaimIdempotency(ctx context.Context, actorID, key, action string) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO coinflip.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, actorID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return coinflip.ErrDuplicateIdempotency
	}
	return nil
}

func scanMatch(row pgx.Row) (coinflip.Match, error) {
	var (
		m                                  coinflip.Match
		side, status                       string
		memberID, result, commitment, seed *string
	)
	if err := row.Scan(
		&m.ID, &m.CreatorID, &memberID, &side, &m.Items, &m.CreatorStake, &status,
		&result, &commitment, &seed, &m.CreatedAt, &m.JoinedAt, &m.SettleAfter, &m.SettledAt,
	); err != nil {
		return coinflip.Match{}, err
	}
	m.CreatorSide = coinflip.Side(side)
	m.Status = coinflip.Status(status)
	m.MemberID = deref(memberID)
	m.Result = coinflip.Side(deref(result))
	m.Commitment = deref(commitment)
	m.Seed = deref(seed)
	if m.Items == nil {
		m.Items = []string{}
	}
	return m, nil
}

func collectMatches(rows pgx.Rows) ([]coinflip.Match, error) {
	defer rows.Close()
	out := []coinflip.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializeError
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
