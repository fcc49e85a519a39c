package pacing

import (
	"context"
	"testing"
	"time"
)

func TestRemainder(t *testing.T) {
	cases := []struct {
		period, elapsed, want time.Duration
	}{
		{10 * time.Millisecond, 3 * time.Millisecond, 7 * time.Millisecond},
		{10 * time.Millisecond, 10 * time.Millisecond, 0},
		{10 * time.Millisecond, 25 * time.Millisecond, 0},
		{0, time.Millisecond, 0},
	}
	for _, c := range cases {
		if got := Remainder(c.period, c.elapsed); got != c.want {
			t.Fatalf("Remainder(%v,%v)=%v want %v", c.period, c.elapsed, got, c.want)
		}
	}
}

func TestPeriod(t *testing.T) {
	if got := Period(120); got != time.Second/120 {
		t.Fatalf("Period(120)=%v", got)
	}
	if got := Period(0); got != 0 {
		t.Fatalf("Period(0)=%v want 0", got)
	}
}

func TestPacer_SleepsOnlyTheRemainder(t *testing.T) {
	clock := time.Unix(0, 0)
	var slept []time.Duration

	p := New(100) // 10ms
	p.now = func() time.Time { return clock }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}

	// Work costs 4ms, then 12ms (overrun), then 0ms.
	for _, work := range []time.Duration{4 * time.Millisecond, 12 * time.Millisecond, 0} {
		p.Begin()
		clock = clock.Add(work)
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	want := []time.Duration{6 * time.Millisecond, 0, 10 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept=%v want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("iteration %d slept %v want %v", i, slept[i], want[i])
		}
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("Sleep err=%v want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Sleep did not return promptly")
	}
}
