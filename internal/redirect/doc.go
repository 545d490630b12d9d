// Package redirect implements transparent redirection of outbound IPv4 TCP
// connections to a local proxy, and recovery of their original destination.
//
// Three hooks share two bounded stores:
//
//   - Interceptor.Connect runs before a connect is sent. Eligible attempts
//     are rewritten to the proxy and their original destination is recorded
//     in the Ledger under the socket cookie.
//   - Observer.SockOps runs on socket lifecycle events. When a redirected
//     connection becomes established, its local port is published in the
//     PortIndex. When the socket closes, both entries are released.
//   - Resolver.Getsockopt answers SO_ORIGINAL_DST for the proxy, going from
//     the accepted socket's peer port to the cookie to the destination.
//
// Every hook runs to completion without blocking and returns a Verdict. All
// failures fail open: the connection proceeds unmodified, or unindexed, and
// the counters in Stats record what was skipped.
package redirect
