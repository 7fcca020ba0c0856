package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Tick is one due monitoring cycle.
type Tick struct {
	Bucket time.Time
	// Missed counts the buckets skipped since the previous tick because that
	// cycle ran past its interval.
	Missed int
}

// TickFunc runs one monitoring cycle.
type TickFunc func(ctx context.Context, tick Tick) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives aligned execution of monitoring cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured cadence.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// CurrentBucket returns the bucket a cycle started at now belongs to.
func (s *Scheduler) CurrentBucket(now time.Time) time.Time {
	return s.bucketStart(now.UTC())
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	missed := 0
	for {
		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		t := Tick{Bucket: s.bucketStart(next), Missed: missed}
		if err := tick(ctx, t); err != nil {
			s.logger.Error().Err(err).Time("bucket", t.Bucket).Msg("monitoring cycle failed")
		}
		next, missed = s.advance(next, time.Now().UTC())
	}
}

// advance returns the tick due after prev. Buckets that already passed by
// now are skipped and counted.
func (s *Scheduler) advance(prev, now time.Time) (time.Time, int) {
	next := prev.Add(s.opts.Interval)
	if next.After(now) {
		return next, 0
	}
	following := s.nextTick(now)
	return following, int(following.Sub(next) / s.opts.Interval)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
