package pace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
)

func TestLoopPacesCycles(t *testing.T) {
	timer := metrics.NewCycleTimer()
	n := 0
	start := time.Now()
	err := Loop(context.Background(), 50, timer, func(context.Context) bool {
		n++
		return n < 5
	})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("5 cycles at 50 Hz took %v, want >= 80ms minus scheduling slack", elapsed)
	}
	if timer.Count() != 5 {
		t.Fatalf("timer count = %d, want 5", timer.Count())
	}
}

func TestLoopDoesNotCatchUp(t *testing.T) {
	n := 0
	start := time.Now()
	_ = Loop(context.Background(), 100, nil, func(context.Context) bool {
		n++
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
		}
		return n < 3
	})
	// One 50ms overrun, then two normal 10ms cycles: no burst of make-up cycles.
	if elapsed := time.Since(start); elapsed < 58*time.Millisecond {
		t.Fatalf("elapsed %v, loop caught up on the overrun", elapsed)
	}
	if n != 3 {
		t.Fatalf("cycles = %d", n)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := Loop(ctx, 1000, nil, func(context.Context) bool {
		n++
		if n == 3 {
			cancel()
		}
		return true
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPeriod(t *testing.T) {
	if Period(8) != 125*time.Millisecond {
		t.Fatalf("Period(8) = %v", Period(8))
	}
	if Period(0) != 0 {
		t.Fatalf("Period(0) = %v", Period(0))
	}
}
