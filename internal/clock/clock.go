// Package clock lets polling loops run against real or simulated time.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of the polling loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx's error.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually driven clock. Sleep advances time instantly and runs
// the OnSleep hook, which lets tests change the world between polls.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	OnSleep func(n int, now time.Time)
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.sleeps++
	n, now, hook := f.sleeps, f.now, f.OnSleep
	f.mu.Unlock()

	if hook != nil {
		hook(n, now)
	}
	return nil
}

// Advance moves the clock forward without counting a sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps reports how many times Sleep was called.
func (f *Fake) Sleeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeps
}
