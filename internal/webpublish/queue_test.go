package webpublish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainPendingPagesUntilEmpty(t *testing.T) {
	pages := map[string][]string{
		"0":       {"1-0", "2-0"},
		"2-0":     {"3-0"},
		"3-0":     nil,
		"missing": nil,
	}
	var cursors []string
	err := drainPending(context.Background(), func(cursor string) (string, int, error) {
		cursors = append(cursors, cursor)
		page := pages[cursor]
		if len(page) == 0 {
			return cursor, 0, nil
		}
		return page[len(page)-1], len(page), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2-0", "3-0"}, cursors)
}

func TestDrainPendingRetriesAfterReadError(t *testing.T) {
	calls := 0
	err := drainPending(context.Background(), func(cursor string) (string, int, error) {
		calls++
		if calls == 1 {
			return cursor, 0, errors.New("connection reset")
		}
		return cursor, 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDrainPendingStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := drainPending(ctx, func(cursor string) (string, int, error) {
		calls++
		cancel()
		return cursor, 0, errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := nextBackoff(0)
	assert.Equal(t, minBackoff, d)
	assert.Equal(t, 2*minBackoff, nextBackoff(d))
	assert.Equal(t, maxBackoff, nextBackoff(maxBackoff))
	assert.Equal(t, maxBackoff, nextBackoff(maxBackoff-time.Millisecond))
}

func TestSleepCtxReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, sleepCtx(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}
