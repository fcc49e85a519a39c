// Package pacing runs fixed-rate loops: each iteration sleeps only what is
// left of the period after its own work, so slow iterations lower the
// achieved rate instead of accumulating drift.
package pacing

import (
	"context"
	"time"
)

// Pacer times one loop iteration at a time. It is not safe for concurrent use.
type Pacer struct {
	period time.Duration
	start  time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a pacer for the given frequency. A non-positive frequency disables sleeping.
func New(hz float64) *Pacer {
	return &Pacer{
		period: Period(hz),
		now:    time.Now,
		sleep:  Sleep,
	}
}

// Period converts a frequency to the desired iteration period.
func Period(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

func (p *Pacer) Period() time.Duration { return p.period }

// Begin marks the start of an iteration.
func (p *Pacer) Begin() { p.start = p.now() }

// Elapsed is the time spent since Begin.
func (p *Pacer) Elapsed() time.Duration { return p.now().Sub(p.start) }

// Wait sleeps the remainder of the period. It returns ctx.Err() if cancelled while sleeping.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.sleep(ctx, Remainder(p.period, p.Elapsed()))
}

// Remainder is max(0, period-elapsed).
func Remainder(period, elapsed time.Duration) time.Duration {
	if elapsed >= period {
		return 0
	}
	return period - elapsed
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
