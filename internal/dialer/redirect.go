package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/die-net/sockredirect/internal/redirect"
)

// Hooks is the part of a redirect.Pipeline that a RedirectDialer drives.
type Hooks interface {
	Connect(a *redirect.ConnectAttempt) redirect.Verdict
	SockOps(ev redirect.SockOpsEvent) redirect.Verdict
}

// RedirectDialer is the connection-attempt interception point for code that
// dials through it. Each DialContext runs the Interceptor before connecting,
// reports the established connection to the Observer, and reports the close
// when the returned net.Conn is closed.
//
// The local port is published before DialContext returns, so a proxy that
// reads the client's first bytes before querying always finds it.
type RedirectDialer struct {
	hooks    Hooks
	direct   Dialer
	cookies  *CookieJar
	pid      uint32
	resolver *net.Resolver
}

func NewRedirectDialer(cfg Config, hooks Hooks) *RedirectDialer {
	pid := cfg.PID
	if pid == 0 {
		pid = uint32(os.Getpid())
	}
	return &RedirectDialer{
		hooks:    hooks,
		direct:   NewDirectDialer(cfg),
		cookies:  NewCookieJar(),
		pid:      pid,
		resolver: net.DefaultResolver,
	}
}

func (d *RedirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("redirect dial %s %s: unsupported network", network, address)
	}

	dst, err := d.resolve(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("redirect dial %s %s: %w", network, address, err)
	}

	a := redirect.ConnectAttempt{
		Family:   familyOf(dst.Addr()),
		Protocol: redirect.ProtocolTCP,
		Addr:     dst.Addr(),
		Port:     dst.Port(),
		PID:      d.pid,
		Cookie:   d.cookies.Next(),
	}
	d.hooks.Connect(&a)

	conn, err := d.direct.DialContext(ctx, network, netip.AddrPortFrom(a.Addr, a.Port).String())
	if err != nil {
		d.hooks.SockOps(redirect.SockOpsEvent{
			Op: redirect.OpStateChange, Family: a.Family, Cookie: a.Cookie, NewState: redirect.StateClose,
		})
		return nil, err
	}

	var local uint16
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		local = uint16(la.Port)
	}
	d.hooks.SockOps(redirect.SockOpsEvent{
		Op: redirect.OpActiveEstablished, Family: a.Family, LocalPort: local, Cookie: a.Cookie,
	})

	return &trackedConn{
		Conn: conn,
		onClose: func() {
			d.hooks.SockOps(redirect.SockOpsEvent{
				Op: redirect.OpStateChange, Family: a.Family, LocalPort: local, Cookie: a.Cookie, NewState: redirect.StateClose,
			})
		},
	}, nil
}

// resolve turns address into a literal IP and port, as the kernel hook only
// ever sees resolved addresses. IPv4 results are preferred.
func (d *RedirectDialer) resolve(ctx context.Context, network, address string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := d.resolver.LookupPort(ctx, network, portStr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if port < 0 || port > 0xffff {
		return netip.AddrPort{}, fmt.Errorf("port %d out of range", port)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	ipNetwork := "ip"
	switch network {
	case "tcp4":
		ipNetwork = "ip4"
	case "tcp6":
		ipNetwork = "ip6"
	}
	ips, err := d.resolver.LookupNetIP(ctx, ipNetwork, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, errors.New("no addresses")
	}
	pick := ips[0].Unmap()
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			pick = ip.Unmap()
			break
		}
	}
	return netip.AddrPortFrom(pick, uint16(port)), nil
}

func familyOf(addr netip.Addr) redirect.Family {
	if addr.Is4() {
		return redirect.FamilyInet
	}
	return redirect.FamilyInet6
}

// trackedConn reports its close to the Observer exactly once.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}

// CloseWrite half-closes the underlying connection so a splice can forward
// the client's EOF.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// NetConn returns the underlying connection.
func (c *trackedConn) NetConn() net.Conn {
	return c.Conn
}
