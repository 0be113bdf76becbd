package dialer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycore_go/internal/shared/types"
)

type fakeSession struct {
	cfg       *types.Config
	ctx       context.Context
	cancel    context.CancelFunc
	destroyed atomic.Int32
	once      sync.Once
	done      chan struct{}
}

func newFakeSession(cfg *types.Config) *fakeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSession{cfg: cfg, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (s *fakeSession) Destroy() {
	s.destroyed.Add(1)
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) Config() *types.Config    { return s.cfg }

func (s *fakeSession) waitDestroyed(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session was not destroyed")
	}
}

func testConfig() *types.Config {
	return &types.Config{
		TCPConf: types.TCPConf{NoDelay: true, KeepAlive: true, FastOpen: true},
		SSLConf: types.SSLConf{Fingerprint: "golang", ReuseSession: true},
	}
}

type staticResolver struct {
	addrs []string
	err   error
	calls atomic.Int32
}

func (r *staticResolver) LookupNetIP(context.Context, string) ([]netip.Addr, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	var out []netip.Addr
	for _, a := range r.addrs {
		out = append(out, netip.MustParseAddr(a))
	}
	return out, nil
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		DNSNames:     []string{"relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
