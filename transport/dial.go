package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ProxyConfig selects an optional SOCKS5 proxy for outbound connections.
type ProxyConfig struct {
	Host     string
	Port     uint16
	Username string
	Password string
}

// Dialer opens raw connections to protocol endpoints, optionally through a
// SOCKS5 proxy.
type Dialer struct {
	Timeout time.Duration
	Proxy   *ProxyConfig
}

// Dial connects to addr and wraps the socket in a client-side RawConnection.
func (d *Dialer) Dial(ctx context.Context, addr string) (*RawConnection, error) {
	conn, err := d.dialConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Frames are small and latency-sensitive.
		if err := tcp.SetNoDelay(true); err != nil {
			logrus.WithFields(logrus.Fields{
				"addr":  addr,
				"error": err.Error(),
			}).Warn("failed to disable Nagle")
		}
	}
	logrus.WithFields(logrus.Fields{
		"addr":    addr,
		"proxied": d.Proxy != nil,
	}).Debug("connection established")
	return NewRawConnection(conn, SideClient), nil
}

func (d *Dialer) dialConn(ctx context.Context, addr string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if d.Proxy == nil {
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		return conn, nil
	}

	proxyAddr := fmt.Sprintf("%s:%d", d.Proxy.Host, d.Proxy.Port)
	var auth *proxy.Auth
	if d.Proxy.Username != "" || d.Proxy.Password != "" {
		auth = &proxy.Auth{User: d.Proxy.Username, Password: d.Proxy.Password}
	}
	socks, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("creating SOCKS5 dialer for %s: %w", proxyAddr, err)
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s via %s: %w", addr, proxyAddr, err)
	}
	return conn, nil
}
