//go:build !linux

package origdst

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// IsSupported is true where the kernel answers SO_ORIGINAL_DST.
const IsSupported = false

type kernel struct{}

func Kernel() Lookuper {
	return kernel{}
}

func (kernel) OriginalDst(_ context.Context, _ net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, fmt.Errorf("%w: SO_ORIGINAL_DST is only supported on linux", ErrNotFound)
}
