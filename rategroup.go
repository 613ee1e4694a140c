package btcnet

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateGroup is a process-level pair of token buckets shared by every peer in
// one direction. Peers attach their per-peer buckets to a group; reads and
// writes then draw from both.
type RateGroup struct {
	mu    sync.Mutex
	read  *rate.Limiter
	write *rate.Limiter
}

func newRateGroup() *RateGroup {
	g := &RateGroup{}
	g.SetLimit(RateLimit{})
	return g
}

// SetLimit builds fresh buckets from limit and swaps them in. Safe from any
// goroutine; in-flight waiters keep the bucket they already grabbed.
func (g *RateGroup) SetLimit(limit RateLimit) {
	read := newLimiter(limit.MaxReadRate, limit.MaxBurstRead)
	write := newLimiter(limit.MaxWriteRate, limit.MaxBurstWrite)

	g.mu.Lock()
	g.read = read
	g.write = write
	g.mu.Unlock()
}

func (g *RateGroup) readLimiter() *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.read
}

func (g *RateGroup) writeLimiter() *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.write
}

// newLimiter maps the bytes-per-second configuration onto a token bucket.
// Zero or RateUnlimited disables the constraint.
func newLimiter(rateBps, burst int64) *rate.Limiter {
	if rateBps <= 0 || rateBps == RateUnlimited {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 || burst == RateUnlimited {
		burst = rateBps
	}
	if burst > maxBurst {
		burst = maxBurst
	}
	return rate.NewLimiter(rate.Limit(rateBps), int(burst))
}

const maxBurst = 1 << 30

// waitN blocks until n tokens are available from the limiter returned by
// get, chunking requests larger than the bucket's burst. get is re-invoked
// per chunk so config swaps take effect mid-transfer.
func waitN(ctx context.Context, get func() *rate.Limiter, n int) error {
	for n > 0 {
		lim := get()
		if lim.Limit() == rate.Inf {
			return nil
		}
		chunk := n
		if b := lim.Burst(); chunk > b {
			chunk = b
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// bucket is the per-peer rate limiter. It draws from its own buckets first
// and then from the attached group, so the effective rate is the minimum of
// the two.
type bucket struct {
	mu    sync.Mutex
	read  *rate.Limiter
	write *rate.Limiter
	group *RateGroup
}

func newBucket(limit RateLimit) *bucket {
	b := &bucket{}
	b.setLimit(limit)
	return b
}

func (b *bucket) setLimit(limit RateLimit) {
	read := newLimiter(limit.MaxReadRate, limit.MaxBurstRead)
	write := newLimiter(limit.MaxWriteRate, limit.MaxBurstWrite)

	b.mu.Lock()
	b.read = read
	b.write = write
	b.mu.Unlock()
}

func (b *bucket) attachGroup(group *RateGroup) {
	b.mu.Lock()
	b.group = group
	b.mu.Unlock()
}

func (b *bucket) currentGroup() *RateGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.group
}

func (b *bucket) waitRead(ctx context.Context, n int) error {
	err := waitN(ctx, func() *rate.Limiter {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.read
	}, n)
	if err != nil {
		return err
	}
	if group := b.currentGroup(); group != nil {
		return waitN(ctx, group.readLimiter, n)
	}
	return nil
}

func (b *bucket) waitWrite(ctx context.Context, n int) error {
	err := waitN(ctx, func() *rate.Limiter {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.write
	}, n)
	if err != nil {
		return err
	}
	if group := b.currentGroup(); group != nil {
		return waitN(ctx, group.writeLimiter, n)
	}
	return nil
}
