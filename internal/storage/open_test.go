package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/starfariii/coinflip1/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	b, err := Open(context.Background(), config.StoreConfig{
		Store:      config.StoreSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "open.db"),
	}, "test")
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.Pool)

	items, err := b.Store.Catalog(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOpenUnknownStore(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Store: "mongo"}, "test")
	require.ErrorContains(t, err, "mongo")
}
