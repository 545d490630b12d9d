package testutil

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/die-net/sockredirect/internal/conn"
	"github.com/die-net/sockredirect/internal/origdst"
)

// Relay is a minimal transparent proxy for tests. For each accepted
// connection it reads the client's first bytes, asks lookup for the original
// destination, dials it and splices the two connections.
type Relay struct {
	net.Listener

	lookup origdst.Lookuper

	mu       sync.Mutex
	resolved []netip.AddrPort
	failed   int
}

func StartRelay(t *testing.T, ctx context.Context, lookup origdst.Lookuper) *Relay {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	r := &Relay{Listener: ln, lookup: lookup}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go r.handle(ctx, c)
		}
	}()
	return r
}

// AddrPort returns the relay's listening address.
func (r *Relay) AddrPort() netip.AddrPort {
	return AddrPort(r.Addr())
}

// AddrPort converts a TCP listener or connection address to an unmapped
// netip.AddrPort.
func AddrPort(a net.Addr) netip.AddrPort {
	ap := a.(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Resolved returns every original destination the relay recovered.
func (r *Relay) Resolved() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netip.AddrPort(nil), r.resolved...)
}

// Failed returns how many connections had no original destination.
func (r *Relay) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Relay) handle(ctx context.Context, c net.Conn) {
	defer c.Close()

	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		return
	}

	dst, err := r.lookup.OriginalDst(ctx, c)
	r.mu.Lock()
	if err != nil {
		r.failed++
	} else {
		r.resolved = append(r.resolved, dst)
	}
	r.mu.Unlock()
	if err != nil {
		return
	}

	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return
	}
	defer up.Close()

	if _, err := up.Write(buf[:n]); err != nil {
		return
	}

	_ = conn.CopyBidirectional(ctx, c, up)
}
