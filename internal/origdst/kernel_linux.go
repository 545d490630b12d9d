//go:build linux

package origdst

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IsSupported is true where the kernel answers SO_ORIGINAL_DST.
const IsSupported = true

type kernel struct{}

// Kernel returns a Lookuper that asks the kernel with
// getsockopt(SOL_IP, SO_ORIGINAL_DST). The answer comes from netfilter
// conntrack or from a getsockopt hook installed on the proxy's cgroup.
func Kernel() Lookuper {
	return kernel{}
}

func (kernel) OriginalDst(_ context.Context, c net.Conn) (netip.AddrPort, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: not a TCP connection", ErrNotFound)
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("syscall conn: %w", err)
	}

	var (
		raw    [128]byte
		sz     = uint32(len(raw))
		optErr error
	)
	err = rc.Control(func(fd uintptr) {
		_, _, e := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.SOL_IP),
			uintptr(unix.SO_ORIGINAL_DST),
			uintptr(unsafe.Pointer(&raw[0])),
			uintptr(unsafe.Pointer(&sz)),
			0,
		)
		if e != 0 {
			optErr = fmt.Errorf("%w: getsockopt SO_ORIGINAL_DST: %w", ErrNotFound, e)
		}
	})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("raw control: %w", err)
	}
	if optErr != nil {
		return netip.AddrPort{}, optErr
	}
	if int(sz) > len(raw) {
		sz = uint32(len(raw))
	}
	return ParseSockaddrInet4(raw[:sz])
}
