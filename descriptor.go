package btcnet

import (
	"math"
	"net"
	"strconv"
	"time"
)

// ConnID identifies a single connection attempt. A fresh id is allocated for
// every attempt, including retries of the same descriptor, so ids are opaque
// and short-lived from the application's point of view.
type ConnID uint64

// ResolveMode controls how a descriptor's host is turned into addresses.
type ResolveMode int

const (
	// Resolve performs a DNS lookup when the host is not a literal
	// address.
	Resolve ResolveMode = iota

	// NoResolve requires the host to be a literal address.
	NoResolve

	// ResolveOnly performs the lookup and reports the results without
	// ever connecting.
	ResolveOnly
)

// Family restricts resolution to an address family.
type Family int

// Address family selectors.
const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// RateUnlimited is the sentinel for an unconstrained rate or burst.
const RateUnlimited = math.MaxInt64

// RateLimit describes token-bucket parameters in bytes per second. A zero or
// RateUnlimited rate leaves the direction unconstrained; a zero or
// RateUnlimited burst falls back to the rate.
type RateLimit struct {
	MaxReadRate   int64
	MaxBurstRead  int64
	MaxWriteRate  int64
	MaxBurstWrite int64
}

// Default per-peer buffering thresholds, in bytes.
const (
	DefaultHighWaterMark = 1024 * 1024
	DefaultLowWaterMark  = 256 * 1024
)

// Options holds the per-connection policy knobs.
type Options struct {
	ResolveMode ResolveMode
	Family      Family

	// InitialTimeout bounds a single connect (or proxy connect plus
	// handshake) attempt.
	InitialTimeout time.Duration

	// RetryInterval is the delay between a failure and the next attempt.
	RetryInterval time.Duration

	// RetryCount selects the retry policy: negative means no retries,
	// zero means retry forever, positive means that many retries.
	RetryCount int

	// Persistent connections are reconnected after a remote disconnect.
	Persistent bool

	// RateLimit is the per-peer bucket. The aggregate per-direction group
	// limit applies on top of it.
	RateLimit RateLimit

	// HighWaterMark and LowWaterMark bound the outbound buffer
	// notifications. Zero values select the defaults.
	HighWaterMark int
	LowWaterMark  int
}

// DefaultConnectTimeout applies when Options.InitialTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

func (o *Options) connectTimeout() time.Duration {
	if o.InitialTimeout > 0 {
		return o.InitialTimeout
	}
	return DefaultConnectTimeout
}

func (o *Options) highWater() int {
	if o.HighWaterMark > 0 {
		return o.HighWaterMark
	}
	return DefaultHighWaterMark
}

func (o *Options) lowWater() int {
	if o.LowWaterMark > 0 {
		return o.LowWaterMark
	}
	return DefaultLowWaterMark
}

// ConnDescriptor specifies a peer endpoint together with its policy knobs.
// Host may be a literal address or a name to resolve. When Proxy is set the
// connection is tunneled through it and the proxy performs the remote name
// resolution.
type ConnDescriptor struct {
	Host    string
	Port    uint16
	Proxy   *ConnDescriptor
	Options Options

	// Username and Password are the SOCKS5 credentials offered when this
	// descriptor names a proxy endpoint. Ignored otherwise.
	Username string
	Password string
}

// IsSet reports whether the descriptor names an endpoint at all. Unset
// descriptors returned from the need-outgoing callback are skipped.
func (d *ConnDescriptor) IsSet() bool {
	return d != nil && d.Host != ""
}

// IsDNS reports whether the host needs name resolution.
func (d *ConnDescriptor) IsDNS() bool {
	return net.ParseIP(d.Host) == nil
}

func (d *ConnDescriptor) String() string {
	if d == nil {
		return "<unset>"
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// Direction tags a peer as locally initiated or accepted.
type Direction int

// Connection directions.
const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}
