package btcnet

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// TestEventQueueOrdering posts events from one goroutine and expects FIFO
// dispatch.
func TestEventQueueOrdering(t *testing.T) {
	q := newEventQueue(clock.New())

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.post(func() { got = append(got, i) })
	}
	require.True(t, q.pump(false))

	require.Len(t, got, 10)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

// TestEventQueueAssert verifies the event-loop assertion trips outside a
// dispatch and holds inside one.
func TestEventQueueAssert(t *testing.T) {
	q := newEventQueue(clock.New())

	require.Panics(t, func() { q.assertEventLoop() })

	checked := false
	q.post(func() {
		q.assertEventLoop()
		checked = true
	})
	q.pump(false)
	require.True(t, checked)
}

// TestEventQueueLoopbreak drains queued events on the final pass and drops
// posts arriving afterwards.
func TestEventQueueLoopbreak(t *testing.T) {
	q := newEventQueue(clock.New())

	ran := 0
	q.post(func() { ran++ })
	q.post(func() { q.loopbreak() })
	q.post(func() { ran++ })

	require.False(t, q.pump(false))
	require.Equal(t, 2, ran)

	require.False(t, q.post(func() { ran++ }))
	require.False(t, q.pump(false))
	require.Equal(t, 2, ran)
}

// TestEventQueuePostDelayed fires a timer through a mock clock.
func TestEventQueuePostDelayed(t *testing.T) {
	mock := clock.NewMock()
	q := newEventQueue(mock)

	fired := false
	q.postDelayed(time.Second, func() { fired = true })

	q.pump(false)
	require.False(t, fired)

	mock.Add(time.Second)
	// The timer goroutine posts asynchronously; give it a moment.
	require.Eventually(t, func() bool {
		q.pump(false)
		return fired
	}, 5*time.Second, 10*time.Millisecond)
}
