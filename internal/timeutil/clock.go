// Package timeutil abstracts wall-clock reads so code that measures
// elapsed time, like the trainer's per-epoch durations, can be tested
// deterministically.
package timeutil

import (
	"sync"
	"time"
)

// Clock reads the current time. RealClock is the production
// implementation; StepClock is the deterministic test double.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// StepClock is a deterministic clock that advances by a fixed step on
// every Now call. Since reads the current time without advancing, so a
// begin/Since pair measures exactly the steps taken in between.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock returns a StepClock starting at start and advancing by step
// per Now call.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{now: start, step: step}
}

// Now returns the current mock time and advances the clock by one step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Since returns the elapsed mock time without advancing the clock.
func (c *StepClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}
