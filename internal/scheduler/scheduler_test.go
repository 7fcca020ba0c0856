package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2025, 6, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC), s.nextTick(now))

	onBoundary := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), s.nextTick(onBoundary))
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), s.CurrentBucket(now))
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 6, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.CurrentBucket(now))
}

func TestAdvanceCountsSkippedBuckets(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())
	prev := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)

	next, missed := s.advance(prev, prev.Add(4*time.Minute))
	assert.Equal(t, prev.Add(15*time.Minute), next)
	assert.Zero(t, missed)

	next, missed = s.advance(prev, time.Date(2025, 6, 1, 10, 47, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), next)
	assert.Equal(t, 2, missed)

	u := New(Options{Interval: time.Minute}, zerolog.Nop())
	next, missed = u.advance(prev, prev.Add(150*time.Second))
	assert.Equal(t, prev.Add(210*time.Second), next)
	assert.Equal(t, 2, missed)
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, tick Tick) error {
		if ticks.Add(1) >= 2 {
			cancel()
		}
		return errors.New("failures are logged, not fatal")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, ticks.Load(), int32(2))
}
