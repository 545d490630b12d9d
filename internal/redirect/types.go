package redirect

import (
	"net/netip"
	"strconv"
)

// Family is a socket address family. Values match Linux.
type Family uint16

const (
	FamilyInet  Family = 2
	FamilyInet6 Family = 10
)

// Protocol is an IP transport protocol number.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// Cookie identifies a socket for its whole lifetime. It is never reused
// while the socket is alive.
type Cookie uint64

// SockOp is a socket lifecycle event, numbered like BPF_SOCK_OPS_*.
type SockOp uint32

const (
	OpActiveEstablished  SockOp = 4
	OpPassiveEstablished SockOp = 5
	OpStateChange        SockOp = 10
)

// TCPState is a kernel TCP state, reported with OpStateChange.
type TCPState uint8

const (
	StateEstablished TCPState = 1
	StateClose       TCPState = 7
)

// Socket option identifiers for the original-destination query.
const (
	LevelIP        int32 = 0
	OptOriginalDst int32 = 80
)

// Destination is the address and port an application asked to connect to.
type Destination struct {
	Addr netip.Addr
	Port uint16
}

func (d Destination) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(d.Addr, d.Port)
}

func (d Destination) String() string {
	return d.AddrPort().String()
}

// ConnectAttempt describes an outbound connect before it is sent. The
// Interceptor may rewrite Addr and Port.
type ConnectAttempt struct {
	Family   Family
	Protocol Protocol
	Addr     netip.Addr
	Port     uint16
	PID      uint32
	Cookie   Cookie
}

// SockOpsEvent is a socket lifecycle transition. NewState is only set for
// OpStateChange.
type SockOpsEvent struct {
	Op        SockOp
	Family    Family
	LocalPort uint16
	Cookie    Cookie
	NewState  TCPState
}

// SockoptQuery is a getsockopt call made by the proxy on an accepted
// socket. PeerPort is the accepted socket's destination port in host byte
// order. The capacity the caller declared is len(Optval).
type SockoptQuery struct {
	Level    int32
	OptName  int32
	Family   Family
	Protocol Protocol
	PeerPort uint16

	Optval []byte
	Optlen int
	Retval int32
}

// Action is the outcome of one hook invocation.
type Action uint8

const (
	PassThrough Action = iota
	Redirect
	Index
	Resolved
	Refuse
	Release
)

var actionNames = [...]string{
	PassThrough: "pass-through",
	Redirect:    "redirect",
	Index:       "index",
	Resolved:    "resolved",
	Refuse:      "refuse",
	Release:     "release",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// Verdict is returned by every hook. Dest, Port and Cookie are filled in as
// relevant to Action.
type Verdict struct {
	Action Action
	Dest   Destination
	Port   uint16
	Cookie Cookie
}
