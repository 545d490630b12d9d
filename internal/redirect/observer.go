package redirect

import (
	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/config"
)

// Observer watches socket lifecycle events. Once a redirected connection is
// established it indexes the client's local port; once the socket closes it
// drops both the port entry and the connection record.
type Observer struct {
	cfg    *config.Store
	ledger *Ledger
	index  *PortIndex
	stats  *counters
	log    *zap.Logger
}

// SockOps handles one socket lifecycle event. An established connection
// with a recorded destination publishes LocalPort and returns Index. A
// transition to StateClose drops the record and the port entry it owns, and
// returns Release if either existed. Every other event passes through.
func (o *Observer) SockOps(ev SockOpsEvent) Verdict {
	if ev.Family != FamilyInet {
		return Verdict{Action: PassThrough}
	}

	switch {
	case ev.Op == OpActiveEstablished:
		return o.established(ev)
	case ev.Op == OpStateChange && ev.NewState == StateClose:
		return o.closed(ev)
	}
	return Verdict{Action: PassThrough}
}

func (o *Observer) established(ev SockOpsEvent) Verdict {
	if _, ok := o.ledger.Lookup(ev.Cookie); !ok {
		return Verdict{Action: PassThrough}
	}

	snap := o.cfg.Load()
	if err := o.index.Publish(ev.LocalPort, ev.Cookie); err != nil {
		o.stats.indexFull.Inc()
		if snap != nil && snap.Debug {
			o.log.Debug("port index insert failed",
				zap.Uint16("port", ev.LocalPort), zap.Uint64("cookie", uint64(ev.Cookie)), zap.Error(err))
		}
		return Verdict{Action: PassThrough}
	}
	o.stats.indexed.Inc()

	if snap != nil && snap.Debug {
		o.log.Debug("established connection indexed",
			zap.Uint16("port", ev.LocalPort), zap.Uint64("cookie", uint64(ev.Cookie)))
	}
	return Verdict{Action: Index, Port: ev.LocalPort, Cookie: ev.Cookie}
}

func (o *Observer) closed(ev SockOpsEvent) Verdict {
	forgot := o.ledger.Forget(ev.Cookie)
	unpublished := o.index.Unpublish(ev.LocalPort, ev.Cookie)
	if !forgot && !unpublished {
		return Verdict{Action: PassThrough}
	}
	o.stats.released.Inc()

	if snap := o.cfg.Load(); snap != nil && snap.Debug {
		o.log.Debug("closed connection released",
			zap.Uint16("port", ev.LocalPort), zap.Uint64("cookie", uint64(ev.Cookie)))
	}
	return Verdict{Action: Release, Port: ev.LocalPort, Cookie: ev.Cookie}
}
