package queryd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/redirect"
)

// Getsockopter is the original-destination query hook a Server exposes.
type Getsockopter interface {
	Getsockopt(q *redirect.SockoptQuery) redirect.Verdict
}

// DefaultIdleTimeout is how long a query connection may sit between requests.
const DefaultIdleTimeout = time.Minute

type Server struct {
	hook        Getsockopter
	log         *zap.Logger
	idleTimeout time.Duration
	verbose     bool
}

// NewServer returns a Server answering queries with hook. A connection idle
// for longer than idleTimeout is closed; zero disables the timeout.
func NewServer(hook Getsockopter, log *zap.Logger, idleTimeout time.Duration, verbose bool) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{hook: hook, log: log, idleTimeout: idleTimeout, verbose: verbose}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handle(c); err != nil && s.verbose {
				s.log.Info("query connection error", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// handle answers requests on c until the peer closes it.
func (s *Server) handle(c net.Conn) error {
	defer c.Close()

	var optval [MaxOptlen]byte
	for {
		if s.idleTimeout > 0 {
			_ = c.SetDeadline(time.Now().Add(s.idleTimeout))
		}

		req, err := readRequest(c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		q := redirect.SockoptQuery{
			Level:    req.Level,
			OptName:  req.OptName,
			Family:   redirect.Family(req.Family),
			Protocol: redirect.Protocol(req.Protocol),
			PeerPort: req.Port,
			Optval:   optval[:req.Optlen],
			Retval:   int32(syscall.ENOENT),
		}
		v := s.hook.Getsockopt(&q)

		var out []byte
		retval := int32(syscall.ENOENT)
		if v.Action == redirect.Resolved {
			retval = q.Retval
			out = q.Optval[:q.Optlen]
		}
		if err := writeResponse(c, retval, out); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}
