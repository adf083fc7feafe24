// Package simclock implements the scaled clock of §4.9 component C9: the
// replay engine schedules event application against a monotonic source
// scaled by speed_factor, never against wall-clock time directly.
// DrainDeadline computes a deadline for the Draining state; the replay
// engine's drain does not apply one.
package simclock

import (
	"context"
	"time"
)

// Clock schedules event application on a scaled monotonic timeline (§4.9):
//
//	sim_now() = sim_t0 + (wall_now() - sim_wall0) * speed_factor
//
// traceT0 is timeline[0].ts from the trace being replayed; simT0 is the
// wall-clock instant replay began. WallNow is overridable so tests can
// drive the clock without sleeping in real time.
type Clock struct {
	TraceT0     int64
	SimT0       time.Time
	SpeedFactor float64
	WallNow     func() time.Time
}

// New builds a Clock anchored at simT0 = wallNow() for the given trace
// start and speed factor.
func New(traceT0 int64, speedFactor float64, wallNow func() time.Time) *Clock {
	if wallNow == nil {
		wallNow = time.Now
	}
	return &Clock{TraceT0: traceT0, SimT0: wallNow(), SpeedFactor: speedFactor, WallNow: wallNow}
}

// ScheduledAt returns the wall-clock instant at which trace time ts should
// be applied: sim_t0 + (ts - trace_t0) / speed_factor (§4.6 Playing state).
func (c *Clock) ScheduledAt(ts int64) time.Time {
	seconds := float64(ts-c.TraceT0) / c.SpeedFactor
	return c.SimT0.Add(time.Duration(seconds * float64(time.Second)))
}

// SleepUntil blocks the caller until ts is due on the scaled clock, or ctx
// is cancelled, whichever comes first. Returns ctx.Err() on cancellation so
// the replay engine can move to Draining (§4.6 "Cancellation").
func (c *Clock) SleepUntil(ctx context.Context, ts int64) error {
	target := c.ScheduledAt(ts)
	wait := target.Sub(c.WallNow())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainDeadline returns now() + grace, a hard deadline for issuing deletes
// in the Draining state (§4.9 "Graceful shutdown"). It only computes the
// instant: replay.Engine's drain issues its deletes without a deadline.
func DrainDeadline(grace time.Duration, now func() time.Time) time.Time {
	if now == nil {
		now = time.Now
	}
	return now().Add(grace)
}
