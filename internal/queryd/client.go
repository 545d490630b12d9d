package queryd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/die-net/sockredirect/internal/origdst"
	"github.com/die-net/sockredirect/internal/redirect"
)

// Client asks a queryd Server for the original destination of connections
// accepted by a proxy. It dials one connection per lookup, so it is safe for
// concurrent use.
type Client struct {
	Network string
	Address string
	Timeout time.Duration
}

func NewClient(network, address string, timeout time.Duration) *Client {
	return &Client{Network: network, Address: address, Timeout: timeout}
}

// OriginalDst implements origdst.Lookuper using c's peer port.
func (cl *Client) OriginalDst(ctx context.Context, c net.Conn) (netip.AddrPort, error) {
	peer, err := origdst.PeerPort(c)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !peer.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: peer %s", origdst.ErrFamily, peer)
	}
	return cl.Lookup(ctx, peer.Port())
}

// Lookup queries the original destination of the connection whose client
// side is bound to port.
func (cl *Client) Lookup(ctx context.Context, port uint16) (netip.AddrPort, error) {
	if cl.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, cl.Network, cl.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("query dial: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	var b [requestLen]byte
	request{
		Level:    redirect.LevelIP,
		OptName:  redirect.OptOriginalDst,
		Family:   uint16(redirect.FamilyInet),
		Protocol: uint8(redirect.ProtocolTCP),
		Port:     port,
		Optlen:   origdst.SockaddrInet4Len,
	}.marshal(&b)
	if _, err := conn.Write(b[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("query write: %w", err)
	}

	retval, optval, err := readResponse(conn, origdst.SockaddrInet4Len)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("query read: %w", err)
	}
	if retval != 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: port %d: %w", origdst.ErrNotFound, port, syscall.Errno(retval))
	}
	return origdst.ParseSockaddrInet4(optval)
}
