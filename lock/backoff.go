package lock

import (
	"math/rand/v2"
	"time"
)

const (
	acquireBackoffStart      = 20 * time.Millisecond
	acquireBackoffMax        = time.Second
	acquireBackoffMin        = 10 * time.Millisecond
	acquireBackoffMultiplier = 1.5
	acquireBackoffJitter     = 10 * time.Millisecond
)

// acquireBackoff grows the poll delay of substrate lock acquisition.
type acquireBackoff struct {
	next time.Duration
}

func newAcquireBackoff() *acquireBackoff {
	return &acquireBackoff{next: acquireBackoffStart}
}

// Next returns the next sleep, capped by limit when positive.
func (b *acquireBackoff) Next(limit time.Duration) time.Duration {
	sleep := b.next + time.Duration(rand.Int64N(int64(acquireBackoffJitter)))
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next) * acquireBackoffMultiplier)
	if b.next > acquireBackoffMax {
		b.next = acquireBackoffMax
	}
	if b.next < acquireBackoffMin {
		b.next = acquireBackoffMin
	}
	return sleep
}
