package dialer

import (
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"

	"relaycore_go/internal/shared/logger"
	"relaycore_go/internal/shared/types"
)

// ConnectRemoteServerSSL 在 ConnectOutSocket 建立的连接上完成 TLS 客户端握手。
// 握手失败时记录日志并销毁会话。
func (c *Connector) ConnectRemoteServerSSL(sess types.Session, addr, port string, inEndpoint net.Addr, connected func(conn *utls.UConn)) {
	c.ConnectOutSocket(sess, addr, port, inEndpoint, func(conn net.Conn) {
		cfg := sess.Config()
		uconn := utls.UClient(conn, c.tlsConfig(cfg, addr), helloID(cfg.SSLConf.Fingerprint))
		if err := uconn.HandshakeContext(sess.Context()); err != nil {
			logger.LogWithEndpoint(inEndpoint, "SSL handshake failed with "+addr+":"+port+" reason: "+err.Error(), types.LogError)
			_ = conn.Close()
			sess.Destroy()
			return
		}
		logger.LogWithEndpoint(inEndpoint, "tunnel established", types.LogInfo)
		if cfg.SSLConf.ReuseSession {
			if uconn.ConnectionState().DidResume {
				logger.LogWithEndpoint(inEndpoint, "SSL session reused", types.LogInfo)
			} else {
				logger.LogWithEndpoint(inEndpoint, "SSL session not reused", types.LogInfo)
			}
		}
		connected(uconn)
	})
}

func (c *Connector) tlsConfig(cfg *types.Config, addr string) *utls.Config {
	sni := cfg.SSLConf.SNI
	if sni == "" {
		sni = addr
	}
	conf := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: !cfg.SSLConf.Verify,
		NextProtos:         cfg.SSLConf.ALPN,
	}
	if cfg.SSLConf.ReuseSession {
		conf.ClientSessionCache = c.sessionCache
	}
	return conf
}

// helloID 把配置中的指纹名映射为 utls 的 ClientHelloID。
func helloID(name string) utls.ClientHelloID {
	switch strings.ToLower(name) {
	case "chrome":
		return utls.HelloChrome_Auto
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "randomized":
		return utls.HelloRandomized
	default:
		return utls.HelloGolang
	}
}
