// Package pace runs self-paced control loops at a target rate.
package pace

import (
	"context"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
)

// Period converts a rate in Hz into a cycle period.
func Period(rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// Loop calls step once per cycle at rate Hz until ctx ends or step returns
// false. Each cycle sleeps for whatever is left of its period after step; a
// cycle that overruns starts the next one immediately, so the loop drifts
// under load rather than bursting to catch up. timer may be nil.
func Loop(ctx context.Context, rate float64, timer *metrics.CycleTimer, step func(context.Context) bool) error {
	period := Period(rate)
	sleep := time.NewTimer(0)
	defer sleep.Stop()
	<-sleep.C

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		next := start.Add(period)
		if timer != nil {
			timer.Start(start)
		}

		cont := step(ctx)

		if timer != nil {
			timer.Stop(time.Now())
		}
		if !cont {
			return nil
		}

		wait := time.Until(next)
		if wait <= 0 {
			continue
		}
		sleep.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sleep.C:
		}
	}
}
