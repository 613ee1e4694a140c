package btcnet

import (
	"net"

	"github.com/benbjohnson/clock"
)

// resolveOnly performs a resolution for the application's benefit and exits
// without connecting. Retry semantics mirror the DNS connection variant, but
// the request keeps its id across retries since nothing else ever links to
// it.
type resolveOnly struct {
	h    *Handler
	id   ConnID
	desc *ConnDescriptor

	retries    int
	lookup     *lookupRequest
	retryTimer *clock.Timer
	finished   bool
}

func newResolveOnly(h *Handler, id ConnID, desc *ConnDescriptor) *resolveOnly {
	return &resolveOnly{
		h:       h,
		id:      id,
		desc:    desc,
		retries: desc.Options.RetryCount,
	}
}

func (r *resolveOnly) resolve() {
	r.h.queue.assertEventLoop()
	r.lookup = r.h.res.resolve(r.desc, func(addrs []*net.TCPAddr, err error) {
		r.lookup = nil
		if r.finished {
			return
		}
		if err != nil {
			r.h.onResolveFailure(r, err, r.consumeRetry())
			return
		}
		r.h.onResolveComplete(r, addrs)
	})
}

func (r *resolveOnly) consumeRetry() bool {
	switch {
	case r.desc.Options.RetryCount < 0:
		return false
	case r.desc.Options.RetryCount == 0:
		return true
	default:
		if r.retries <= 0 {
			return false
		}
		r.retries--
		return true
	}
}

func (r *resolveOnly) armRetry() {
	r.retryTimer = r.h.queue.postDelayed(r.desc.Options.RetryInterval, func() {
		r.retryTimer = nil
		if r.finished {
			return
		}
		r.resolve()
	})
}

func (r *resolveOnly) cancel() {
	r.finished = true
	if r.lookup != nil {
		r.lookup.cancel()
		r.lookup = nil
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}
