package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// PID identifies the dialing process to the interceptor. Zero means
	// the current process.
	PID uint32
}
