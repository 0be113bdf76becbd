package dialer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/net/dns/dnsmessage"

	"relaycore_go/internal/shared/types"
)

// ErrNoAddress 表示解析成功但没有返回任何地址。
var ErrNoAddress = errors.New("no address found")

// Resolver 把主机名解析为 IP 地址。结果顺序即优先顺序。
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewResolver 根据 DNSConf 组装解析器：dns.server 非空时使用 UDP DNS 客户端，
// cache_size > 0 时在外层加上 TTL 缓存。
func NewResolver(conf types.DNSConf) (Resolver, error) {
	var r Resolver = SystemResolver{}
	if conf.Server != "" {
		dr, err := NewDNSResolver(conf.Server, time.Duration(conf.Timeout)*time.Second)
		if err != nil {
			return nil, err
		}
		r = dr
	}
	if conf.CacheSize > 0 {
		r = NewCachingResolver(r, conf.CacheSize, time.Duration(conf.CacheTTL)*time.Second)
	}
	return r, nil
}

// SystemResolver 使用 net.DefaultResolver。
type SystemResolver struct{}

func (SystemResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// DNSResolver 直接向指定的 DNS 服务器发送 A/AAAA 查询。
type DNSResolver struct {
	server  string
	timeout time.Duration
}

// NewDNSResolver creates a resolver querying server ("host" or "host:port").
func NewDNSResolver(server string, timeout time.Duration) (*DNSResolver, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if _, err := netip.ParseAddrPort(server); err != nil {
		return nil, fmt.Errorf("dns server must be an IP address: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{server: server, timeout: timeout}, nil
}

func (r *DNSResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if !strings.HasSuffix(host, ".") {
		host += "."
	}
	name, err := dnsmessage.NewName(host)
	if err != nil {
		return nil, fmt.Errorf("invalid hostname %q: %w", host, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// IPv4 优先，与系统解析器的常见行为保持一致。
	v4, err4 := r.exchange(ctx, name, dnsmessage.TypeA)
	v6, err6 := r.exchange(ctx, name, dnsmessage.TypeAAAA)
	addrs := append(v4, v6...)
	if len(addrs) == 0 {
		if err4 != nil {
			return nil, err4
		}
		if err6 != nil {
			return nil, err6
		}
	}
	return addrs, nil
}

func (r *DNSResolver) exchange(ctx context.Context, name dnsmessage.Name, qtype dnsmessage.Type) ([]netip.Addr, error) {
	id := uint16(rand.Uint32())
	query := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  name,
			Type:  qtype,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := query.Pack()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", r.server)
	if err != nil {
		return nil, fmt.Errorf("dial dns server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(packed); err != nil {
		return nil, fmt.Errorf("send dns query: %w", err)
	}

	buf := make([]byte, 1232)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read dns response: %w", err)
		}
		var resp dnsmessage.Message
		if err := resp.Unpack(buf[:n]); err != nil || resp.ID != id || !resp.Response {
			continue
		}
		if resp.RCode != dnsmessage.RCodeSuccess {
			return nil, fmt.Errorf("dns query for %s failed: %s", name, resp.RCode)
		}
		var addrs []netip.Addr
		for _, ans := range resp.Answers {
			switch body := ans.Body.(type) {
			case *dnsmessage.AResource:
				addrs = append(addrs, netip.AddrFrom4(body.A))
			case *dnsmessage.AAAAResource:
				addrs = append(addrs, netip.AddrFrom16(body.AAAA))
			}
		}
		return addrs, nil
	}
}

// CachingResolver 缓存成功且非空的解析结果。
type CachingResolver struct {
	next  Resolver
	cache *expirable.LRU[string, []netip.Addr]
}

func NewCachingResolver(next Resolver, size int, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingResolver{
		next:  next,
		cache: expirable.NewLRU[string, []netip.Addr](size, nil, ttl),
	}
}

func (r *CachingResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}
	addrs, err := r.next.LookupNetIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) > 0 {
		r.cache.Add(host, addrs)
	}
	return addrs, nil
}
