package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional splices left and right until either side finishes or
// ctx is canceled, then closes both.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	copyHalf := func(dst, src net.Conn) error {
		_, err := io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok && err == nil {
			_ = cw.CloseWrite()
			return nil
		}
		closeBoth()
		return err
	}

	g.Go(func() error { return copyHalf(left, right) })
	g.Go(func() error { return copyHalf(right, left) })

	// If the context is canceled, close both sides to unblock Copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
