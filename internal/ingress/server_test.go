package ingress

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"
	"go.uber.org/zap/zaptest"

	"github.com/die-net/sockredirect/internal/config"
	"github.com/die-net/sockredirect/internal/conn"
	"github.com/die-net/sockredirect/internal/dialer"
	"github.com/die-net/sockredirect/internal/redirect"
	"github.com/die-net/sockredirect/internal/testutil"
)

func startSOCKS5(t *testing.T, ctx context.Context, d dialer.Dialer) net.Listener {
	t.Helper()

	ln, err := conn.ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewSOCKS5Server(ctx, Config{NegotiationTimeout: 2 * time.Second, Dialer: d}, zaptest.NewLogger(t), false)
	go func() { _ = srv.Serve(ln) }()
	return ln
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ln := startSOCKS5(t, ctx, dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}))

	client, err := txsocks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	require.NoError(t, err)

	c, err := client.Dial("tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSOCKS5ConnectRedirected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	store := config.NewStore()
	p := redirect.New(store, redirect.Options{Logger: zaptest.NewLogger(t)})
	relay := testutil.StartRelay(t, ctx, p)

	c := config.Default()
	c.ProxyAddr = relay.AddrPort().Addr()
	c.ProxyPort = relay.AddrPort().Port()
	c.ProxyPID = 1
	require.NoError(t, c.SetTarget("127.0.0.0/8"))
	require.NoError(t, store.Set(c))

	ln := startSOCKS5(t, ctx, dialer.NewRedirectDialer(dialer.Config{DialTimeout: 2 * time.Second}, p))

	client, err := txsocks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	require.NoError(t, err)

	sc, err := client.Dial("tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer sc.Close()

	testutil.AssertEcho(t, sc, sc, []byte("through the proxy"))
	require.Equal(t, []string{echoLn.Addr().String()}, resolvedStrings(relay))
	require.Equal(t, uint64(1), p.Stats().Redirected)
}

func TestSOCKS5ConnectionRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dead, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := dead.Addr().String()
	require.NoError(t, dead.Close())

	ln := startSOCKS5(t, ctx, dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}))

	client, err := txsocks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	require.NoError(t, err)

	_, err = client.Dial("tcp", addr)
	require.Error(t, err)
}

// startReplyServer accepts connections that read the whole request up to EOF
// before answering "reply".
func startReplyServer(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				if _, err := io.ReadAll(c); err != nil {
					return
				}
				_, _ = c.Write([]byte("reply"))
			}()
		}
	}()
	return ln
}

// socks5Connect performs a no-auth CONNECT to dst over a plain TCP
// connection, leaving the caller free to half-close it.
func socks5Connect(t *testing.T, proxy string, dst netip.AddrPort) *net.TCPConn {
	t.Helper()

	nc, err := net.Dial("tcp4", proxy)
	require.NoError(t, err)
	c := nc.(*net.TCPConn)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Write([]byte{5, 1, 0})
	require.NoError(t, err)
	method := make([]byte, 2)
	_, err = io.ReadFull(c, method)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0}, method)

	req := []byte{5, 1, 0, 1}
	ip := dst.Addr().As4()
	req = append(req, ip[:]...)
	req = binary.BigEndian.AppendUint16(req, dst.Port())
	_, err = c.Write(req)
	require.NoError(t, err)

	head := make([]byte, 4)
	_, err = io.ReadFull(c, head)
	require.NoError(t, err)
	require.Equal(t, byte(0), head[1], "reply code")
	require.Equal(t, byte(1), head[3], "IPv4 bound address")
	_, err = io.ReadFull(c, make([]byte, 6))
	require.NoError(t, err)

	require.NoError(t, c.SetDeadline(time.Time{}))
	return c
}

func TestSOCKS5HalfClose(t *testing.T) {
	tests := []struct {
		name           string
		redirectDialer bool
		redirected     bool
	}{
		{name: "direct"},
		{name: "redirect dialer pass-through", redirectDialer: true},
		{name: "redirect dialer redirected", redirectDialer: true, redirected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			server := startReplyServer(t)
			dcfg := dialer.Config{DialTimeout: 2 * time.Second}

			var d dialer.Dialer = dialer.NewDirectDialer(dcfg)
			if tt.redirectDialer {
				store := config.NewStore()
				p := redirect.New(store, redirect.Options{Logger: zaptest.NewLogger(t)})

				c := config.Default()
				c.ProxyAddr = netip.MustParseAddr("127.0.0.1")
				c.ProxyPort = 1
				c.ProxyPID = 1
				require.NoError(t, c.SetTarget("10.0.0.0/8"))
				if tt.redirected {
					relay := testutil.StartRelay(t, ctx, p)
					c.ProxyAddr = relay.AddrPort().Addr()
					c.ProxyPort = relay.AddrPort().Port()
					require.NoError(t, c.SetTarget("127.0.0.0/8"))
				}
				require.NoError(t, store.Set(c))
				d = dialer.NewRedirectDialer(dcfg, p)
			}

			ln := startSOCKS5(t, ctx, d)
			c := socks5Connect(t, ln.Addr().String(), testutil.AddrPort(server.Addr()))

			_, err := c.Write([]byte("request"))
			require.NoError(t, err)
			require.NoError(t, c.CloseWrite())

			require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
			got, err := io.ReadAll(c)
			require.NoError(t, err)
			require.Equal(t, "reply", string(got))
		})
	}
}

func resolvedStrings(r *testutil.Relay) []string {
	var out []string
	for _, ap := range r.Resolved() {
		out = append(out, ap.String())
	}
	return out
}
