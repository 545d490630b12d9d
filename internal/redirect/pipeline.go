package redirect

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/config"
	"github.com/die-net/sockredirect/internal/origdst"
)

type Options struct {
	// Capacity bounds the Ledger and the PortIndex. Zero means
	// DefaultCapacity.
	Capacity int

	// Logger receives hook tracing when the config has Debug set. Nil
	// disables logging.
	Logger *zap.Logger
}

// Pipeline wires the three hooks to shared stores. All methods are safe for
// concurrent use and never block.
type Pipeline struct {
	Interceptor
	Observer
	Resolver

	cfg    *config.Store
	ledger *Ledger
	index  *PortIndex
	stats  *counters
}

func New(cfg *config.Store, opts Options) *Pipeline {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pipeline{
		cfg:    cfg,
		ledger: NewLedger(opts.Capacity),
		index:  NewPortIndex(opts.Capacity),
		stats:  &counters{},
	}
	p.Interceptor = Interceptor{cfg: cfg, ledger: p.ledger, stats: p.stats, log: log.Named("connect")}
	p.Observer = Observer{cfg: cfg, ledger: p.ledger, index: p.index, stats: p.stats, log: log.Named("sockops")}
	p.Resolver = Resolver{cfg: cfg, ledger: p.ledger, index: p.index, stats: p.stats, log: log.Named("getsockopt")}
	return p
}

func (p *Pipeline) Config() *config.Store { return p.cfg }
func (p *Pipeline) Ledger() *Ledger       { return p.ledger }
func (p *Pipeline) PortIndex() *PortIndex { return p.index }

func (p *Pipeline) Stats() Stats {
	s := p.stats.snapshot()
	s.LedgerLen = p.ledger.Len()
	s.IndexLen = p.index.Len()
	s.Capacity = p.ledger.Capacity()
	return s
}

// OriginalDst resolves the original destination of a connection accepted
// by an in-process proxy, as if the proxy had called getsockopt on it.
func (p *Pipeline) OriginalDst(_ context.Context, c net.Conn) (netip.AddrPort, error) {
	peer, err := origdst.PeerPort(c)
	if err != nil {
		return netip.AddrPort{}, err
	}
	family := FamilyInet6
	if peer.Addr().Is4() {
		family = FamilyInet
	}

	var buf [origdst.SockaddrInet4Len]byte
	q := SockoptQuery{
		Level:    LevelIP,
		OptName:  OptOriginalDst,
		Family:   family,
		Protocol: ProtocolTCP,
		PeerPort: peer.Port(),
		Optval:   buf[:],
	}
	if v := p.Getsockopt(&q); v.Action != Resolved {
		return netip.AddrPort{}, fmt.Errorf("%w: peer %s: %s", origdst.ErrNotFound, peer, v.Action)
	}
	return origdst.ParseSockaddrInet4(buf[:q.Optlen])
}
