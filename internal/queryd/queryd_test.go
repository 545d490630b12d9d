package queryd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/die-net/sockredirect/internal/config"
	"github.com/die-net/sockredirect/internal/dialer"
	"github.com/die-net/sockredirect/internal/origdst"
	"github.com/die-net/sockredirect/internal/redirect"
	"github.com/die-net/sockredirect/internal/testutil"
)

func newPipeline(t *testing.T, proxy netip.AddrPort, cidr string) *redirect.Pipeline {
	t.Helper()

	store := config.NewStore()
	c := config.Default()
	c.ProxyAddr = proxy.Addr()
	c.ProxyPort = proxy.Port()
	c.ProxyPID = 1
	require.NoError(t, c.SetTarget(cidr))
	require.NoError(t, store.Set(c))
	return redirect.New(store, redirect.Options{Logger: zaptest.NewLogger(t)})
}

// track runs a redirected connection from local port through the first two
// hooks, as the redirect dialer would.
func track(t *testing.T, p *redirect.Pipeline, cookie redirect.Cookie, dst string, port uint16) {
	t.Helper()

	ap := netip.MustParseAddrPort(dst)
	v := p.Connect(&redirect.ConnectAttempt{
		Family: redirect.FamilyInet, Protocol: redirect.ProtocolTCP,
		Addr: ap.Addr(), Port: ap.Port(), PID: 100, Cookie: cookie,
	})
	require.Equal(t, redirect.Redirect, v.Action)
	v = p.SockOps(redirect.SockOpsEvent{
		Op: redirect.OpActiveEstablished, Family: redirect.FamilyInet, LocalPort: port, Cookie: cookie,
	})
	require.Equal(t, redirect.Index, v.Action)
}

func startServer(t *testing.T, hook Getsockopter) net.Listener {
	t.Helper()

	return startServerIdle(t, hook, 5*time.Second)
}

func startServerIdle(t *testing.T, hook Getsockopter, idle time.Duration) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewServer(hook, zaptest.NewLogger(t), idle, false)
	go func() { _ = srv.Serve(ln) }()
	return ln
}

func TestClientLookup(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, netip.MustParseAddrPort("10.0.0.5:15001"), "10.1.0.0/16")
	track(t, p, 7, "10.1.2.3:8080", 54321)
	ln := startServer(t, p)

	cl := NewClient("tcp", ln.Addr().String(), 2*time.Second)
	dst, err := cl.Lookup(context.Background(), 54321)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddrPort("10.1.2.3:8080"), dst)

	_, err = cl.Lookup(context.Background(), 54322)
	require.ErrorIs(t, err, origdst.ErrNotFound)
	require.ErrorIs(t, err, syscall.ENOENT)

	s := p.Stats()
	require.Equal(t, uint64(1), s.Resolved)
	require.Equal(t, uint64(1), s.Refused)
}

func TestServerManyRequestsPerConnection(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, netip.MustParseAddrPort("10.0.0.5:15001"), "10.1.0.0/16")
	track(t, p, 7, "10.1.2.3:8080", 40000)
	track(t, p, 8, "10.1.9.9:443", 40001)
	ln := startServer(t, p)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	tests := []struct {
		name   string
		req    request
		retval int32
		want   netip.AddrPort
	}{
		{
			name:   "first",
			req:    request{Level: redirect.LevelIP, OptName: redirect.OptOriginalDst, Family: 2, Protocol: 6, Port: 40000, Optlen: 16},
			retval: 0,
			want:   netip.MustParseAddrPort("10.1.2.3:8080"),
		},
		{
			name:   "second",
			req:    request{Level: redirect.LevelIP, OptName: redirect.OptOriginalDst, Family: 2, Protocol: 6, Port: 40001, Optlen: 128},
			retval: 0,
			want:   netip.MustParseAddrPort("10.1.9.9:443"),
		},
		{
			name:   "other option",
			req:    request{Level: redirect.LevelIP, OptName: 81, Family: 2, Protocol: 6, Port: 40000, Optlen: 16},
			retval: int32(syscall.ENOENT),
		},
		{
			name:   "short buffer",
			req:    request{Level: redirect.LevelIP, OptName: redirect.OptOriginalDst, Family: 2, Protocol: 6, Port: 40000, Optlen: 8},
			retval: int32(syscall.ENOENT),
		},
		{
			name:   "udp socket",
			req:    request{Level: redirect.LevelIP, OptName: redirect.OptOriginalDst, Family: 2, Protocol: 17, Port: 40000, Optlen: 16},
			retval: int32(syscall.ENOENT),
		},
	}

	for _, tt := range tests {
		var b [requestLen]byte
		tt.req.marshal(&b)
		_, err := conn.Write(b[:])
		require.NoError(t, err, tt.name)

		retval, optval, err := readResponse(conn, MaxOptlen)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.retval, retval, tt.name)
		if tt.retval != 0 {
			require.Empty(t, optval, tt.name)
			continue
		}
		require.Len(t, optval, origdst.SockaddrInet4Len, tt.name)
		got, err := origdst.ParseSockaddrInet4(optval)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.want, got, tt.name)
	}
}

func TestServerRejectsOversizedOptlen(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, netip.MustParseAddrPort("10.0.0.5:15001"), "10.1.0.0/16")
	ln := startServer(t, p)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var b [requestLen]byte
	request{Level: redirect.LevelIP, OptName: redirect.OptOriginalDst, Family: 2, Protocol: 6, Port: 1, Optlen: MaxOptlen + 1}.marshal(&b)
	_, err = conn.Write(b[:])
	require.NoError(t, err)

	// The server drops the connection without answering.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = readResponse(conn, MaxOptlen)
	require.Error(t, err)
}

func TestServerClosesIdleConnection(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, netip.MustParseAddrPort("10.0.0.5:15001"), "10.1.0.0/16")
	ln := startServerIdle(t, p, 100*time.Millisecond)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Nothing is sent, so the server hangs up once the idle timeout passes.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	start := time.Now()
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestReadRequest(t *testing.T) {
	t.Parallel()

	want := request{Level: 0, OptName: 80, Family: 2, Protocol: 6, Port: 54321, Optlen: 16}
	var b [requestLen]byte
	want.marshal(&b)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 80, 0, 2, 6, 0, 0xd4, 0x31, 0, 16}, b[:])

	got, err := readRequest(bytes.NewReader(b[:]))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = readRequest(bytes.NewReader(b[:10]))
	require.Error(t, err)

	want.Optlen = 200
	want.marshal(&b)
	_, err = readRequest(bytes.NewReader(b[:]))
	require.True(t, errors.Is(err, errOptlen))
}

func TestReadResponseTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, 0, make([]byte, 32)))
	_, _, err := readResponse(&buf, origdst.SockaddrInet4Len)
	require.Error(t, err)
}

func TestClientThroughRedirectDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	store := config.NewStore()
	p := redirect.New(store, redirect.Options{Logger: zaptest.NewLogger(t)})
	qln := startServer(t, p)

	// The relay plays an out-of-process proxy: it only talks to queryd.
	relay := testutil.StartRelay(t, ctx, NewClient("tcp", qln.Addr().String(), 2*time.Second))

	c := config.Default()
	c.ProxyAddr = relay.AddrPort().Addr()
	c.ProxyPort = relay.AddrPort().Port()
	c.ProxyPID = 1
	require.NoError(t, c.SetTarget("127.0.0.0/8"))
	require.NoError(t, store.Set(c))

	d := dialer.NewRedirectDialer(dialer.Config{DialTimeout: 2 * time.Second}, p)
	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("via queryd"))
	require.Equal(t, []netip.AddrPort{testutil.AddrPort(echoLn.Addr())}, relay.Resolved())
}
