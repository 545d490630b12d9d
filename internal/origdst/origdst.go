// Package origdst defines the answer to an original-destination query and
// the ways a proxy can ask for it.
//
// The answer is a struct sockaddr_in as returned by getsockopt(SOL_IP,
// SO_ORIGINAL_DST): the address family in host byte order followed by the
// port and IPv4 address in network byte order and eight bytes of padding.
package origdst

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

const (
	// SockaddrInet4Len is the size of struct sockaddr_in.
	SockaddrInet4Len = 16

	// FamilyInet is AF_INET.
	FamilyInet = 2
)

var (
	// ErrShortBuffer is returned when a buffer cannot hold a sockaddr_in.
	ErrShortBuffer = errors.New("buffer too small for sockaddr_in")

	// ErrFamily is returned for records whose family is not AF_INET.
	ErrFamily = errors.New("not an AF_INET sockaddr")

	// ErrNotFound is returned when no original destination is known for a
	// connection. A proxy should close such connections.
	ErrNotFound = errors.New("original destination unavailable")
)

// Lookuper recovers the original destination of a connection accepted by a
// proxy.
type Lookuper interface {
	OriginalDst(ctx context.Context, c net.Conn) (netip.AddrPort, error)
}

// PutSockaddrInet4 writes ap as a sockaddr_in into b and returns the number
// of bytes written. Nothing is written if b is too small.
func PutSockaddrInet4(b []byte, family uint16, ap netip.AddrPort) (int, error) {
	if len(b) < SockaddrInet4Len {
		return 0, ErrShortBuffer
	}
	b = b[:SockaddrInet4Len]
	binary.NativeEndian.PutUint16(b[0:2], family)
	binary.BigEndian.PutUint16(b[2:4], ap.Port())
	a := ap.Addr().Unmap().As4()
	copy(b[4:8], a[:])
	clear(b[8:])
	return SockaddrInet4Len, nil
}

// ParseSockaddrInet4 decodes a sockaddr_in written by PutSockaddrInet4 or
// by the kernel.
func ParseSockaddrInet4(b []byte) (netip.AddrPort, error) {
	if len(b) < SockaddrInet4Len {
		return netip.AddrPort{}, ErrShortBuffer
	}
	if f := binary.NativeEndian.Uint16(b[0:2]); f != FamilyInet {
		return netip.AddrPort{}, fmt.Errorf("%w: family %d", ErrFamily, f)
	}
	port := binary.BigEndian.Uint16(b[2:4])
	addr := netip.AddrFrom4([4]byte(b[4:8]))
	return netip.AddrPortFrom(addr, port), nil
}

// PeerPort returns the remote port of an accepted TCP connection.
//
// For a redirected connection this is the port the client bound locally when
// it connected, which is the key under which the client's connection was
// indexed once established.
func PeerPort(c net.Conn) (netip.AddrPort, error) {
	ra, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: not a TCP connection", ErrNotFound)
	}
	ap := ra.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
