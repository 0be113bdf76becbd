package dialer

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"relaycore_go/internal/shared/types"
)

// serveDNS 回答所有 A 查询为 203.0.113.9，AAAA 查询为空。
func serveDNS(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var req dnsmessage.Message
			if err := req.Unpack(buf[:n]); err != nil || len(req.Questions) == 0 {
				continue
			}
			q := req.Questions[0]
			resp := dnsmessage.Message{
				Header:    dnsmessage.Header{ID: req.ID, Response: true, RecursionAvailable: true},
				Questions: req.Questions,
			}
			if q.Type == dnsmessage.TypeA {
				resp.Answers = append(resp.Answers, dnsmessage.Resource{
					Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: 60},
					Body:   &dnsmessage.AResource{A: [4]byte{203, 0, 113, 9}},
				})
			}
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestDNSResolver_LookupNetIP(t *testing.T) {
	r, err := NewDNSResolver(serveDNS(t), 2*time.Second)
	require.NoError(t, err)

	addrs, err := r.LookupNetIP(context.Background(), "peer.example")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("203.0.113.9")}, addrs)
}

func TestDNSResolver_IPLiteral(t *testing.T) {
	r, err := NewDNSResolver("127.0.0.1", time.Second)
	require.NoError(t, err)
	addrs, err := r.LookupNetIP(context.Background(), "2001:db8::1")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::1")}, addrs)
}

func TestNewDNSResolver_RejectsHostname(t *testing.T) {
	_, err := NewDNSResolver("dns.example:53", time.Second)
	require.Error(t, err)
}

func TestCachingResolver(t *testing.T) {
	next := &staticResolver{addrs: []string{"198.51.100.1"}}
	r := NewCachingResolver(next, 8, time.Minute)

	for i := 0; i < 3; i++ {
		addrs, err := r.LookupNetIP(context.Background(), "cached.example")
		require.NoError(t, err)
		require.Len(t, addrs, 1)
	}
	require.EqualValues(t, 1, next.calls.Load())
}

func TestCachingResolver_DoesNotCacheEmpty(t *testing.T) {
	next := &staticResolver{}
	r := NewCachingResolver(next, 8, time.Minute)
	_, _ = r.LookupNetIP(context.Background(), "empty.example")
	_, _ = r.LookupNetIP(context.Background(), "empty.example")
	require.EqualValues(t, 2, next.calls.Load())
}

func TestNewResolver(t *testing.T) {
	r, err := NewResolver(types.DNSConf{})
	require.NoError(t, err)
	require.IsType(t, SystemResolver{}, r)

	r, err = NewResolver(types.DNSConf{Server: "192.0.2.53", CacheSize: 4})
	require.NoError(t, err)
	require.IsType(t, &CachingResolver{}, r)
}
