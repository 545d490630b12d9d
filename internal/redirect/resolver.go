package redirect

import (
	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/config"
	"github.com/die-net/sockredirect/internal/origdst"
)

// Resolver answers SO_ORIGINAL_DST queries made by the proxy on accepted
// connections.
//
// The query only carries the accepted socket's view of the connection. Seen
// from the proxy, the accepted socket's destination port is the client's
// source port, which is exactly the local port the Observer indexed when the
// client's redirected connect completed. Resolver relies on that inversion:
// PeerPort is looked up in the PortIndex, never the proxy's own port.
type Resolver struct {
	cfg    *config.Store
	ledger *Ledger
	index  *PortIndex
	stats  *counters
	log    *zap.Logger
}

// Getsockopt fills q.Optval with the original destination and returns
// Resolved, or leaves q untouched. It does not modify any store.
func (r *Resolver) Getsockopt(q *SockoptQuery) Verdict {
	if q.Level != LevelIP || q.OptName != OptOriginalDst {
		return Verdict{Action: PassThrough}
	}
	if q.Family != FamilyInet || q.Protocol != ProtocolTCP {
		return Verdict{Action: PassThrough}
	}

	snap := r.cfg.Load()
	debug := snap != nil && snap.Debug

	cookie, ok := r.index.Lookup(q.PeerPort)
	if !ok {
		return r.refuse(debug, "no port index entry", q.PeerPort)
	}
	dst, ok := r.ledger.Lookup(cookie)
	if !ok {
		return r.refuse(debug, "no connection record", q.PeerPort)
	}

	n, err := origdst.PutSockaddrInet4(q.Optval, uint16(q.Family), dst.AddrPort())
	if err != nil {
		return r.refuse(debug, "optval too small", q.PeerPort)
	}
	q.Optlen = n
	q.Retval = 0
	r.stats.resolved.Inc()

	if debug {
		r.log.Debug("original destination resolved",
			zap.Uint16("port", q.PeerPort), zap.Uint64("cookie", uint64(cookie)), zap.Stringer("dst", dst))
	}
	return Verdict{Action: Resolved, Dest: dst, Port: q.PeerPort, Cookie: cookie}
}

func (r *Resolver) refuse(debug bool, why string, port uint16) Verdict {
	r.stats.refused.Inc()
	if debug {
		r.log.Debug("original destination refused", zap.String("reason", why), zap.Uint16("port", port))
	}
	return Verdict{Action: Refuse, Port: port}
}
