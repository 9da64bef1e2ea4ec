package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSettler struct {
	calls atomic.Int32
	limit atomic.Int32
	err   error
}

func (c *countingSettler) SettleDue(_ context.Context, limit int) (int, error) {
	c.calls.Add(1)
	c.limit.Store(int32(limit))
	return 1, c.err
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	settler := &countingSettler{}
	s, err := New(settler, 20*time.Millisecond, 7, quiet())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool { return settler.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(7), settler.limit.Load())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	after := settler.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, settler.calls.Load())
}

func TestSweeperSurvivesErrors(t *testing.T) {
	settler := &countingSettler{err: errors.New("db down")}
	s, err := New(settler, 10*time.Millisecond, 0, quiet())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool { return settler.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(100), settler.limit.Load())
}

func TestRunOnceAndValidation(t *testing.T) {
	_, err := New(&countingSettler{}, 0, 10, nil)
	require.Error(t, err)

	settler := &countingSettler{}
	s, err := New(settler, time.Hour, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(5), settler.limit.Load())
}
