/*
Package btcnet maintains long-lived outbound and inbound TCP peers on behalf
of an embedding application.

The application supplies peer candidates and answers admission questions
through the Callbacks interface; the library owns all sockets, timers, DNS
requests and per-peer state machines. Each peer is driven through resolution,
connection setup (direct, DNS-resolved or SOCKS5-tunneled), framed message
hand-off, graceful or abrupt teardown, retry with backoff and aggregate rate
control.

All state machine transitions, registry mutations and upcalls into the
application happen on a single event goroutine: the goroutine that calls
Handler.PumpEvents. A small set of entry points (Send, Close, PauseRecv,
UnpauseRecv, SetRateLimit, SetGroupRateLimit) is safe to call from any
goroutine when Config.EnableThreading is set; Shutdown is safe from any
goroutine in either case.
*/
package btcnet
