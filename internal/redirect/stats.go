package redirect

import (
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
)

type counters struct {
	redirected    atomic.Uint64
	passedThrough atomic.Uint64
	ledgerFull    atomic.Uint64
	indexed       atomic.Uint64
	indexFull     atomic.Uint64
	resolved      atomic.Uint64
	refused       atomic.Uint64
	released      atomic.Uint64
}

// Stats is a point-in-time copy of the pipeline counters.
//
// LedgerFull and IndexFull count connections that were redirected or
// established while the corresponding store was at capacity; queries for
// them will be refused.
type Stats struct {
	Redirected    uint64 `json:"redirected"`
	PassedThrough uint64 `json:"passed_through"`
	LedgerFull    uint64 `json:"ledger_full"`
	Indexed       uint64 `json:"indexed"`
	IndexFull     uint64 `json:"index_full"`
	Resolved      uint64 `json:"resolved"`
	Refused       uint64 `json:"refused"`
	Released      uint64 `json:"released"`

	LedgerLen int `json:"ledger_len"`
	IndexLen  int `json:"index_len"`
	Capacity  int `json:"capacity"`
}

func (c *counters) snapshot() Stats {
	return Stats{
		Redirected:    c.redirected.Load(),
		PassedThrough: c.passedThrough.Load(),
		LedgerFull:    c.ledgerFull.Load(),
		Indexed:       c.indexed.Load(),
		IndexFull:     c.indexFull.Load(),
		Resolved:      c.resolved.Load(),
		Refused:       c.refused.Load(),
		Released:      c.released.Load(),
	}
}

func (s Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("redirected", s.Redirected)
	enc.AddUint64("passed_through", s.PassedThrough)
	enc.AddUint64("ledger_full", s.LedgerFull)
	enc.AddUint64("indexed", s.Indexed)
	enc.AddUint64("index_full", s.IndexFull)
	enc.AddUint64("resolved", s.Resolved)
	enc.AddUint64("refused", s.Refused)
	enc.AddUint64("released", s.Released)
	enc.AddInt("ledger_len", s.LedgerLen)
	enc.AddInt("index_len", s.IndexLen)
	enc.AddInt("capacity", s.Capacity)
	return nil
}
