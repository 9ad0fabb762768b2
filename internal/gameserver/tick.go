package gameserver

import (
	"context"
	"time"
)

// TickLoop drives a World at a fixed interval. Each tick advances the world
// clock by exactly the interval, so simulated time does not drift with
// scheduling jitter.
//
// Invariant: at most one tick is queued on the world at a time.
type TickLoop struct {
	world    *World
	interval time.Duration
}

// NewTickLoop returns a loop that ticks world every interval.
//
// Precondition: interval must be > 0.
func NewTickLoop(world *World, interval time.Duration) *TickLoop {
	if interval <= 0 {
		panic("gameserver.NewTickLoop: interval must be > 0")
	}
	return &TickLoop{world: world, interval: interval}
}

// Run ticks the world until ctx is cancelled or the world stops.
//
// Postcondition: returns ctx.Err() on cancellation or ErrStopped.
func (t *TickLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.world.Do(ctx, func() { t.world.Tick(t.interval) }); err != nil {
				return err
			}
		}
	}
}
