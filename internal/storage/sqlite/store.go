package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/starfariii/coinflip1/internal/coinflip"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const matchColumns = `
	id, creator_id, member_id, selected_side, items_ids, creator_stake_count, status,
	result, commitment, seed, created_at, joined_at, settle_after, settled_at`

// Store is a single-file coinflip store. All transactions take the write lock
// up front, so the registry and ledgers change one operation at a time.
type Store struct {
	sqlDB *sql.DB
}

var _ coinflip.Store = (*Store)(nil)

// Open opens a SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx coinflip.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetMatch(ctx context.Context, id string) (coinflip.Match, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coinflip.Match{}, coinflip.ErrNotFound
	}
	return m, err
}

func (s *Store) ListActiveMatches(ctx context.Context, limit int) ([]coinflip.Match, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+matchColumns+`
FROM matches
WHERE status = 'active'
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active matches: %w", err)
	}
	return collectMatches(rows)
}

func (s *Store) ListCompletedMatches(ctx context.Context, actorID string, limit int) ([]coinflip.Match, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+matchColumns+`
FROM matches
WHERE status = 'completed' AND (creator_id = ? OR member_id = ?)
ORDER BY settled_at DESC, id DESC
LIMIT ?
`, actorID, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list completed matches: %w", err)
	}
	return collectMatches(rows)
}

func (s *Store) ListDueSettlements(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id
FROM matches
WHERE status = 'pending' AND settle_after <= ?
ORDER BY settle_after ASC
LIMIT ?
`, now.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due settlements: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Inventory(ctx context.Context, actorID string) ([]string, error) {
	return readInventory(ctx, s.sqlDB, actorID)
}

func (s *Store) Catalog(ctx context.Context) ([]coinflip.CatalogItem, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, name, value, rarity, image_url
FROM items
ORDER BY value ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	items := []coinflip.CatalogItem{}
	for rows.Next() {
		var it coinflip.CatalogItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Value, &it.Rarity, &it.ImageURL); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) LockInventory(ctx context.Context, actorID string) ([]string, error) {
	return readInventory(ctx, t.tx, actorID)
}

func (t *tx) SaveInventory(ctx context.Context, actorID string, items []string) error {
	raw, err := encodeIDs(items)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO inventories (user_id, items_ids, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET items_ids = excluded.items_ids, updated_at = excluded.updated_at
`, actorID, raw, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save inventory: %w", err)
	}
	return nil
}

func (t *tx) CreateInventory(ctx context.Context, actorID string, items []string) (bool, error) {
	raw, err := encodeIDs(items)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO inventories (user_id, items_ids, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO NOTHING
`, actorID, raw, time.Now().UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("create inventory: %w", err)
	}
	return affected(res)
}

func (t *tx) ItemValues(ctx context.Context, ids []string) (map[string]int64, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	out := make(map[string]int64, len(uniq))
	if len(uniq) == 0 {
		return out, nil
	}
	sort.Strings(uniq)

	args := make([]any, len(uniq))
	for i, id := range uniq {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uniq)), ",")
	rows, err := t.tx.QueryContext(ctx, `SELECT id, value FROM items WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("item values: %w", err)
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
	for _, it := range items {
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO items (id, name, value, rarity, image_url)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	value = excluded.value,
	rarity = excluded.rarity,
	image_url = excluded.image_url
`, it.ID, it.Name, it.Value, it.Rarity, it.ImageURL); err != nil {
			return fmt.Errorf("upsert item %s: %w", it.ID, err)
		}
	}
	return nil
}

func (t *tx) CatalogSize(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	return n, nil
}

func (t *tx) InsertMatch(ctx context.Context, m coinflip.Match) error {
	raw, err := encodeIDs(m.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO matches (id, creator_id, selected_side, items_ids, creator_stake_count, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, m.ID, m.CreatorID, string(m.CreatorSide), raw, m.CreatorStake, string(m.Status), m.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (t *tx) LockMatch(ctx context.Context, id string) (coinflip.Match, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coinflip.Match{}, coinflip.ErrNotFound
	}
	return m, err
}

func (t *tx) JoinMatch(ctx context.Context, id string, j coinflip.JoinUpdate) (bool, error) {
	var raw string
	err := t.tx.QueryRowContext(ctx, `
SELECT items_ids FROM matches WHERE id = ? AND status = 'active' AND member_id IS NULL
`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read match escrow: %w", err)
	}
	escrow, err := decodeIDs(raw)
	if err != nil {
		return false, err
	}
	merged, err := encodeIDs(append(escrow, j.Items...))
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE matches
SET member_id = ?, items_ids = ?, status = 'pending', result = ?, commitment = ?, seed = ?,
	joined_at = ?, settle_after = ?
WHERE id = ? AND status = 'active' AND member_id IS NULL
`, j.MemberID, merged, string(j.Result), j.Commitment, j.Seed,
		j.JoinedAt.UTC().UnixMilli(), j.SettleAfter.UTC().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("join match: %w", err)
	}
	return affected(res)
}

func (t *tx) DeleteActiveMatch(ctx context.Context, id, creatorID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM matches WHERE id = ? AND creator_id = ? AND status = 'active' AND member_id IS NULL
`, id, creatorID)
	if err != nil {
		return false, fmt.Errorf("delete match: %w", err)
	}
	return affected(res)
}

func (t *tx) CompleteMatch(ctx context.Context, id string, settledAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE matches SET status = 'completed', settled_at = ? WHERE id = ? AND status = 'pending'
`, settledAt.UTC().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("complete match: %w", err)
	}
	return affected(res)
}

func (t *tx) AppendMovements(ctx context.Context, moves []coinflip.Movement) error {
	for _, mv := range moves {
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO item_movements (tx_group_id, match_id, user_id, item_id, kind, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, mv.TxGroupID, mv.MatchID, mv.ActorID, mv.CatalogItemID, string(mv.Kind), mv.CreatedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}
	}
	return nil
}

func (t *tx) ClaimIdempotency(ctx context.Context, actorID, key, action string) error {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO idempotency_keys (user_id, key, action, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, key) DO NOTHING
`, actorID, key, action, time.Now().UTC().UnixMilli())
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return coinflip.ErrDuplicateIdempotency
	}
	return nil
}

func readInventory(ctx context.Context, q queryer, actorID string) ([]string, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT items_ids FROM inventories WHERE user_id = ?`, actorID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coinflip.ErrInventoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return decodeIDs(raw)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (coinflip.Match, error) {
	var (
		m                                  coinflip.Match
		side, status, items                string
		memberID, result, commitment, seed sql.NullString
		createdAt                          int64
		joinedAt, settleAfter, settledAt   sql.NullInt64
	)
	if err := row.Scan(
		&m.ID, &m.CreatorID, &memberID, &side, &items, &m.CreatorStake, &status,
		&result, &commitment, &seed, &createdAt, &joinedAt, &settleAfter, &settledAt,
	); err != nil {
		return coinflip.Match{}, err
	}
	ids, err := decodeIDs(items)
	if err != nil {
		return coinflip.Match{}, err
	}
	m.Items = ids
	m.MemberID = memberID.String
	m.CreatorSide = coinflip.Side(side)
	m.Status = coinflip.Status(status)
	m.Result = coinflip.Side(result.String)
	m.Commitment = commitment.String
	m.Seed = seed.String
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.JoinedAt = millisPtr(joinedAt)
	m.SettleAfter = millisPtr(settleAfter)
	m.SettledAt = millisPtr(settledAt)
	return m, nil
}

func collectMatches(rows *sql.Rows) ([]coinflip.Match, error) {
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

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode item ids: %w", err)
	}
	return string(raw), nil
}

func decodeIDs(raw string) ([]string, error) {
	ids := []string{}
	if strings.TrimSpace(raw) == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode item ids: %w", err)
	}
	return ids, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func applyMigrations(sqlDB *sql.DB) error {
	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, file := range files {
		var found int
		err := sqlDB.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		content, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := string(content)
		if i := strings.Index(up, "-- +migrate Down"); i >= 0 {
			up = up[:i]
		}
		sqlTx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := sqlTx.Exec(up); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := sqlTx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixMilli()); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}
