package btcnet

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// defaultLookupTimeout bounds a single DNS exchange.
const defaultLookupTimeout = 10 * time.Second

// LookupFunc resolves a host name into addresses. The handler configuration
// may override it, for tests or for resolving through a proxy.
type LookupFunc func(host string) ([]net.IP, error)

// resolver performs asynchronous host lookups and delivers the results back
// onto the event goroutine as an ordered address list.
type resolver struct {
	queue   *eventQueue
	lookup  LookupFunc
	servers []string
	timeout time.Duration
}

func newResolver(queue *eventQueue, lookup LookupFunc) *resolver {
	r := &resolver{
		queue:   queue,
		lookup:  lookup,
		timeout: defaultLookupTimeout,
	}
	if lookup == nil {
		// Query the system's configured servers directly. Queries are
		// sent with the name's case untouched. When resolv.conf is
		// unavailable the system resolver is used instead.
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err == nil {
			for _, server := range cfg.Servers {
				r.servers = append(r.servers, net.JoinHostPort(server, cfg.Port))
			}
		}
	}
	return r
}

// lookupRequest is the cancellation handle for one in-flight resolution.
// cancel must be called on the event goroutine; a canceled request never
// invokes its completion.
type lookupRequest struct {
	canceled int32
}

func (lr *lookupRequest) cancel() {
	atomic.StoreInt32(&lr.canceled, 1)
}

// resolve starts an asynchronous lookup for desc's host and posts done with
// either an ordered address list or an error. Literal addresses complete
// without a network round trip. NoResolve descriptors fail unless the host
// is literal.
func (r *resolver) resolve(desc *ConnDescriptor, done func(addrs []*net.TCPAddr, err error)) *lookupRequest {
	req := &lookupRequest{}
	complete := func(addrs []*net.TCPAddr, err error) {
		r.queue.post(func() {
			if atomic.LoadInt32(&req.canceled) != 0 {
				return
			}
			done(addrs, err)
		})
	}

	host, port, opts := desc.Host, int(desc.Port), desc.Options

	if ip := net.ParseIP(host); ip != nil {
		ips := filterFamily([]net.IP{ip}, opts.Family)
		if len(ips) == 0 {
			complete(nil, errors.Errorf("address %s does not match requested family", host))
		} else {
			complete(toTCPAddrs(ips, port), nil)
		}
		return req
	}

	if opts.ResolveMode == NoResolve {
		complete(nil, errors.Errorf("host %s is not a literal address", host))
		return req
	}

	spawn(func() {
		ips, err := r.doLookup(host, opts.Family)
		if err != nil {
			complete(nil, err)
			return
		}
		ips = filterFamily(ips, opts.Family)
		if len(ips) == 0 {
			complete(nil, errors.Errorf("lookup %s: no addresses for requested family", host))
			return
		}
		complete(toTCPAddrs(ips, port), nil)
	})
	return req
}

func (r *resolver) doLookup(host string, family Family) ([]net.IP, error) {
	if r.lookup != nil {
		return r.lookup(host)
	}
	if len(r.servers) == 0 {
		return net.LookupIP(host)
	}
	return r.queryServers(host, family)
}

func (r *resolver) queryServers(host string, family Family) ([]net.IP, error) {
	var questions []uint16
	switch family {
	case FamilyIPv4:
		questions = []uint16{dns.TypeA}
	case FamilyIPv6:
		questions = []uint16{dns.TypeAAAA}
	default:
		questions = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	client := &dns.Client{Timeout: r.timeout}
	var lastErr error
	for _, server := range r.servers {
		ips, err := queryServer(client, server, host, questions)
		if err != nil {
			lastErr = err
			continue
		}
		return ips, nil
	}
	return nil, lastErr
}

func queryServer(client *dns.Client, server, host string, questions []uint16) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range questions {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := client.Exchange(msg, server)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup %s via %s", host, server)
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, errors.Errorf("lookup %s via %s: rcode %s",
				host, server, dns.RcodeToString[resp.Rcode])
		}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				ips = append(ips, record.A)
			case *dns.AAAA:
				ips = append(ips, record.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("lookup %s via %s: no addresses", host, server)
	}
	return ips, nil
}

func filterFamily(ips []net.IP, family Family) []net.IP {
	if family == FamilyAny {
		return ips
	}
	filtered := ips[:0:0]
	for _, ip := range ips {
		isV4 := ip.To4() != nil
		if (family == FamilyIPv4 && isV4) || (family == FamilyIPv6 && !isV4) {
			filtered = append(filtered, ip)
		}
	}
	return filtered
}

func toTCPAddrs(ips []net.IP, port int) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs
}
