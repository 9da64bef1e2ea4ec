package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSerializationError(t *testing.T) {
	assert.True(t, isSerializationError(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isSerializationError(fmt.Errorf("join: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, isSerializationError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationError(coinflip.ErrAlreadyTaken))
}

// openTestStore connects to COINFLIP_TEST_DATABASE_URL and skips without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("COINFLIP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("COINFLIP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url, "coinflip-test")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := New(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.WithTx(ctx, func(tx coinflip.Tx) error {
		return tx.UpsertCatalog(ctx, []coinflip.CatalogItem{
			{ID: "pg-bronze", Name: "Bronze", Value: 10, Rarity: "common"},
			{ID: "pg-ruby", Name: "Ruby", Value: 100, Rarity: "epic"},
		})
	}))
	return store
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	store := openTestStore(t)

	calls := 0
	err := store.WithTx(context.Background(), func(tx coinflip.Tx) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("write: %w", &pgconn.PgError{Code: serializeError})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = store.WithTx(context.Background(), func(tx coinflip.Tx) error {
		calls++
		return coinflip.ErrForbidden
	})
	require.ErrorIs(t, err, coinflip.ErrForbidden)
	assert.Equal(t, 1, calls, "other errors are not retried")
}

func TestConditionalJoinAndComplete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	m := coinflip.Match{
		ID:           uuid.NewString(),
		CreatorID:    "pg-alice-" + uuid.NewString(),
		CreatorSide:  coinflip.SideHeads,
		Items:        []string{"pg-ruby"},
		CreatorStake: 1,
		Status:       coinflip.StatusActive,
		CreatedAt:    now,
	}
	require.NoError(t, store.WithTx(ctx, func(tx coinflip.Tx) error {
		return tx.InsertMatch(ctx, m)
	}))

	join := func(member string) bool {
		var ok bool
		require.NoError(t, store.WithTx(ctx, func(tx coinflip.Tx) error {
			var err error
			ok, err = tx.JoinMatch(ctx, m.ID, coinflip.JoinUpdate{
				MemberID:    member,
				Items:       []string{"pg-ruby", "pg-bronze"},
				Result:      coinflip.SideTails,
				Commitment:  "c0ffee",
				Seed:        "02",
				JoinedAt:    now,
				SettleAfter: now.Add(time.Second),
			})
			return err
		}))
		return ok
	}
	assert.True(t, join("pg-bob"))
	assert.False(t, join("pg-carol"), "second join must not change the row")

	got, err := store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "pg-bob", got.MemberID)
	assert.Equal(t, coinflip.StatusPending, got.Status)
	assert.Equal(t, []string{"pg-ruby", "pg-ruby", "pg-bronze"}, got.Items)
	assert.Equal(t, []string{"pg-ruby"}, got.CreatorItems())

	complete := func() bool {
		var ok bool
		require.NoError(t, store.WithTx(ctx, func(tx coinflip.Tx) error {
			var err error
			ok, err = tx.CompleteMatch(ctx, m.ID, now.Add(2*time.Second))
			return err
		}))
		return ok
	}
	assert.True(t, complete())
	assert.False(t, complete(), "already completed")
}
