package btcnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewLimiterUnlimited(t *testing.T) {
	for _, rateBps := range []int64{0, -1, RateUnlimited} {
		lim := newLimiter(rateBps, 0)
		require.Equal(t, rate.Inf, lim.Limit())
	}

	lim := newLimiter(1024, 0)
	require.Equal(t, rate.Limit(1024), lim.Limit())
	require.Equal(t, 1024, lim.Burst())

	lim = newLimiter(1024, 256)
	require.Equal(t, 256, lim.Burst())
}

// TestWaitNChunking asks for more bytes than the bucket's burst; the request
// must be satisfied in chunks rather than erroring out.
func TestWaitNChunking(t *testing.T) {
	lim := rate.NewLimiter(rate.Limit(1<<20), 64)
	get := func() *rate.Limiter { return lim }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, waitN(ctx, get, 1024))
}

func TestWaitNCanceled(t *testing.T) {
	lim := rate.NewLimiter(rate.Limit(1), 1)
	lim.AllowN(time.Now(), 1)
	get := func() *rate.Limiter { return lim }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, waitN(ctx, get, 1))
}

// TestRateGroupSwap replaces the group's config and expects lookups made
// after the swap to observe the new limiters.
func TestRateGroupSwap(t *testing.T) {
	g := newRateGroup()
	require.Equal(t, rate.Inf, g.readLimiter().Limit())

	g.SetLimit(RateLimit{MaxReadRate: 512, MaxWriteRate: 2048})
	require.Equal(t, rate.Limit(512), g.readLimiter().Limit())
	require.Equal(t, rate.Limit(2048), g.writeLimiter().Limit())

	g.SetLimit(RateLimit{})
	require.Equal(t, rate.Inf, g.readLimiter().Limit())
}

// TestBucketGroupComposition waits on a per-peer bucket attached to a group:
// with both unlimited the waits return at once, and a drained per-peer
// bucket surfaces a canceled context as an error.
func TestBucketGroupComposition(t *testing.T) {
	b := newBucket(RateLimit{})
	g := newRateGroup()
	b.attachGroup(g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Unlimited everywhere: returns immediately.
	require.NoError(t, b.waitRead(ctx, 1<<20))
	require.NoError(t, b.waitWrite(ctx, 1<<20))

	// A canceled context surfaces from whichever bucket blocks.
	b.setLimit(RateLimit{MaxReadRate: 1, MaxBurstRead: 1})
	b.readLimiterDrain()
	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	require.Error(t, b.waitRead(canceled, 1))
}

// readLimiterDrain consumes the bucket's available read tokens so the next
// wait has to block.
func (b *bucket) readLimiterDrain() {
	b.mu.Lock()
	lim := b.read
	b.mu.Unlock()
	lim.AllowN(time.Now(), lim.Burst())
}
