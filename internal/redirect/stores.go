package redirect

import (
	"github.com/die-net/sockredirect/internal/table"
)

// DefaultCapacity bounds both the Ledger and the PortIndex.
const DefaultCapacity = 20000

// Ledger maps a socket cookie to the destination the application originally
// asked for. A record exists only for redirected connections.
type Ledger struct {
	t *table.Table[Cookie, Destination]
}

func NewLedger(capacity int) *Ledger {
	return &Ledger{t: table.New[Cookie, Destination](capacity)}
}

// Record stores dst under cookie, replacing any previous record for it.
func (l *Ledger) Record(cookie Cookie, dst Destination) error {
	return l.t.Insert(cookie, dst)
}

func (l *Ledger) Lookup(cookie Cookie) (Destination, bool) {
	return l.t.Lookup(cookie)
}

// Forget removes the record for cookie.
func (l *Ledger) Forget(cookie Cookie) bool {
	return l.t.Delete(cookie)
}

func (l *Ledger) Len() int      { return l.t.Len() }
func (l *Ledger) Capacity() int { return l.t.Capacity() }

// PortIndex maps the local port of an established redirected connection to
// its cookie.
type PortIndex struct {
	t *table.Table[uint16, Cookie]
}

func NewPortIndex(capacity int) *PortIndex {
	return &PortIndex{t: table.New[uint16, Cookie](capacity)}
}

// Publish maps port to cookie.
func (p *PortIndex) Publish(port uint16, cookie Cookie) error {
	return p.t.Insert(port, cookie)
}

func (p *PortIndex) Lookup(port uint16) (Cookie, bool) {
	return p.t.Lookup(port)
}

// Unpublish removes port only while it still belongs to cookie, so a port
// already reused by a newer connection keeps its entry.
func (p *PortIndex) Unpublish(port uint16, cookie Cookie) bool {
	return p.t.CompareAndDelete(port, cookie)
}

func (p *PortIndex) Len() int      { return p.t.Len() }
func (p *PortIndex) Capacity() int { return p.t.Capacity() }
