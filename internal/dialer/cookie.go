package dialer

import (
	"crypto/rand"
	"encoding/binary"

	"go.uber.org/atomic"

	"github.com/die-net/sockredirect/internal/redirect"
)

// CookieJar hands out socket cookies. Cookies increase monotonically from a
// random starting point and are never reused within a process.
type CookieJar struct {
	next atomic.Uint64
}

func NewCookieJar() *CookieJar {
	var b [4]byte
	_, _ = rand.Read(b[:])

	j := &CookieJar{}
	j.next.Store(uint64(binary.BigEndian.Uint32(b[:])) << 32)
	return j
}

func (j *CookieJar) Next() redirect.Cookie {
	return redirect.Cookie(j.next.Inc())
}
