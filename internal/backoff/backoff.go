// Package backoff provides the capped exponential delay used when polling
// loops retry after a failure.
package backoff

import (
	"context"
	"time"
)

// Exponential doubles its delay from Base on every Next call, capped at Max.
// The zero value is not usable; set Base.
type Exponential struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the next retry.
func (b *Exponential) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset starts over from Base after a success.
func (b *Exponential) Reset() { b.attempt = 0 }

// Sleep waits for d or until ctx ends. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
