package btcnet

import (
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type resolveResult struct {
	addrs []*net.TCPAddr
	err   error
}

func resolveSync(t *testing.T, r *resolver, q *eventQueue, desc *ConnDescriptor) resolveResult {
	t.Helper()
	results := make(chan resolveResult, 1)
	q.post(func() {
		r.resolve(desc, func(addrs []*net.TCPAddr, err error) {
			results <- resolveResult{addrs, err}
		})
	})
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not complete")
		return resolveResult{}
	}
}

func TestResolverLiteralAddress(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()
	r := newResolver(q, func(host string) ([]net.IP, error) {
		t.Errorf("unexpected lookup of %s", host)
		return nil, nil
	})

	res := resolveSync(t, r, q, &ConnDescriptor{Host: "127.0.0.1", Port: 8333})
	require.NoError(t, res.err)
	require.Len(t, res.addrs, 1)
	require.Equal(t, "127.0.0.1:8333", res.addrs[0].String())
}

func TestResolverNoResolveRejectsNames(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()
	r := newResolver(q, nil)

	res := resolveSync(t, r, q, &ConnDescriptor{
		Host:    "peer.example",
		Port:    8333,
		Options: Options{ResolveMode: NoResolve},
	})
	require.Error(t, res.err)
	require.Nil(t, res.addrs)
}

func TestResolverFamilyFilter(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	lookup := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("2001:db8::1")}, nil
	}
	r := newResolver(q, lookup)

	res := resolveSync(t, r, q, &ConnDescriptor{
		Host:    "peer.example",
		Port:    8333,
		Options: Options{Family: FamilyIPv4},
	})
	require.NoError(t, res.err)
	require.Len(t, res.addrs, 1)
	require.Equal(t, "10.0.0.1:8333", res.addrs[0].String())

	res = resolveSync(t, r, q, &ConnDescriptor{
		Host:    "peer.example",
		Port:    8333,
		Options: Options{Family: FamilyIPv6},
	})
	require.NoError(t, res.err)
	require.Len(t, res.addrs, 1)
	require.Equal(t, "[2001:db8::1]:8333", res.addrs[0].String())
}

func TestResolverLookupError(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	lookup := func(host string) ([]net.IP, error) {
		return nil, errors.New("NXDOMAIN")
	}
	r := newResolver(q, lookup)

	res := resolveSync(t, r, q, &ConnDescriptor{Host: "missing.example", Port: 8333})
	require.Error(t, res.err)
}

// TestResolverCancel cancels the request before the lookup returns and
// expects the completion to be swallowed.
func TestResolverCancel(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	release := make(chan struct{})
	lookup := func(host string) ([]net.IP, error) {
		<-release
		return []net.IP{net.ParseIP("10.0.0.1")}, nil
	}
	r := newResolver(q, lookup)

	completed := make(chan struct{}, 1)
	canceled := make(chan struct{})
	q.post(func() {
		req := r.resolve(&ConnDescriptor{Host: "peer.example", Port: 8333},
			func(addrs []*net.TCPAddr, err error) {
				completed <- struct{}{}
			})
		go func() {
			q.post(func() {
				req.cancel()
				close(canceled)
			})
		}()
	})

	<-canceled
	close(release)

	select {
	case <-completed:
		t.Fatal("canceled lookup still completed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFilterFamily(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	v6 := net.ParseIP("2001:db8::2")
	mixed := []net.IP{v4, v6}

	require.Len(t, filterFamily(mixed, FamilyAny), 2)
	require.Equal(t, []net.IP{v4}, filterFamily(mixed, FamilyIPv4))
	require.Equal(t, []net.IP{v6}, filterFamily(mixed, FamilyIPv6))
}
