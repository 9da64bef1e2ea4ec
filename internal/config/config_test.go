package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAPIDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://localhost/coinflip")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")

	cfg, err := LoadAPIFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "https://example.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 5*time.Second, cfg.SweepEvery)
	assert.Equal(t, 100, cfg.SweepBatch)
	assert.True(t, cfg.EmbeddedSweep)
	assert.Equal(t, "coinflip_events", cfg.NotifyChannel)
	assert.False(t, cfg.Discord.Enabled())
}

func TestLoadAPIPortOverridesAddr(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("COINFLIP_STORE", "sqlite")
	t.Setenv("COINFLIP_AUTH_MODE", "dev")
	t.Setenv("COINFLIP_DEV_AUTH_SECRET", "")

	_, err := LoadAPIFromEnv()
	require.ErrorContains(t, err, "COINFLIP_DEV_AUTH_SECRET")

	t.Setenv("COINFLIP_DEV_AUTH_SECRET", "local")
	cfg, err := LoadAPIFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "coinflip.db", cfg.SQLitePath)
}

func TestLoadAPIValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COINFLIP_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := LoadAPIFromEnv()
	require.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("COINFLIP_STORE", "sqlite")
	t.Setenv("COINFLIP_AUTH_MODE", "supabase")
	t.Setenv("SUPABASE_URL", "")
	_, err = LoadAPIFromEnv()
	require.ErrorContains(t, err, "SUPABASE_URL")

	t.Setenv("COINFLIP_AUTH_MODE", "magic")
	_, err = LoadAPIFromEnv()
	require.ErrorContains(t, err, "COINFLIP_AUTH_MODE")

	t.Setenv("COINFLIP_STORE", "mongo")
	_, err = LoadAPIFromEnv()
	require.ErrorContains(t, err, "COINFLIP_STORE")
}

func TestLoadWorker(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COINFLIP_STORE", "sqlite")
	t.Setenv("COINFLIP_WORKER_RUN_ONCE", "true")
	t.Setenv("COINFLIP_SWEEP_BATCH", "25")

	cfg, err := LoadWorkerFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RunOnce)
	assert.Equal(t, 25, cfg.SweepBatch)
}

func TestLoadCLI(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLIP_API_BASE_URL", "https://flip.example.com/")
	assert.Equal(t, "https://flip.example.com", LoadCLIFromEnv().APIBaseURL)
}
