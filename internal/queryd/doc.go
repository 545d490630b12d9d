// Package queryd exposes the original-destination query hook to proxies
// running in another process.
//
// A proxy that accepted a redirected connection sends the arguments it would
// pass to getsockopt(SOL_IP, SO_ORIGINAL_DST), keyed by the accepted socket's
// peer port, and receives the return value and the sockaddr_in record.
// Client implements origdst.Lookuper on top of this exchange.
package queryd
