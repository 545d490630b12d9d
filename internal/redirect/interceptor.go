package redirect

import (
	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/config"
)

// Interceptor runs on every outbound connect. It redirects eligible IPv4 TCP
// attempts to the proxy and records where they were going. It never rejects
// a connect.
type Interceptor struct {
	cfg    *config.Store
	ledger *Ledger
	stats  *counters
	log    *zap.Logger
}

// Connect decides the fate of a. On Redirect, a.Addr and a.Port have been
// rewritten to the proxy.
func (i *Interceptor) Connect(a *ConnectAttempt) Verdict {
	if a.Family != FamilyInet || a.Protocol != ProtocolTCP {
		return i.pass()
	}

	snap := i.cfg.Load()
	if snap == nil {
		return i.pass()
	}
	if !snap.InTarget(a.Addr) {
		return i.pass()
	}

	// The proxy's own upstream dials must not loop back into it.
	if a.PID == snap.ProxyPID {
		if snap.Debug {
			i.log.Debug("connect from proxy ignored",
				zap.Uint32("pid", a.PID), zap.Stringer("dst", Destination{a.Addr, a.Port}))
		}
		return i.pass()
	}

	if snap.ControlPlanePort != 0 && a.Port == snap.ControlPlanePort {
		if snap.Debug {
			i.log.Debug("control-plane connect ignored", zap.Stringer("dst", Destination{a.Addr, a.Port}))
		}
		return i.pass()
	}

	orig := Destination{Addr: a.Addr.Unmap(), Port: a.Port}
	if err := i.ledger.Record(a.Cookie, orig); err != nil {
		// Redirect anyway; the proxy will fail to resolve this one.
		i.stats.ledgerFull.Inc()
		if snap.Debug {
			i.log.Debug("ledger insert failed", zap.Uint64("cookie", uint64(a.Cookie)), zap.Error(err))
		}
	}

	a.Addr = snap.ProxyAddr
	a.Port = snap.ProxyPort
	i.stats.redirected.Inc()

	if snap.Debug {
		i.log.Debug("connect redirected",
			zap.Uint64("cookie", uint64(a.Cookie)),
			zap.Uint32("pid", a.PID),
			zap.Stringer("dst", orig),
			zap.Stringer("proxy", snap.Proxy()))
	}

	return Verdict{
		Action: Redirect,
		Dest:   Destination{Addr: snap.ProxyAddr, Port: snap.ProxyPort},
		Cookie: a.Cookie,
	}
}

func (i *Interceptor) pass() Verdict {
	i.stats.passedThrough.Inc()
	return Verdict{Action: PassThrough}
}
