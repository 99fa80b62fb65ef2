package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional copies left->right and right->left until both
// directions are finished. When one source reaches EOF the write side of
// the opposite conn is half-closed if it supports CloseWrite; otherwise, or
// on any error or cancellation of ctx, both conns are closed. Both conns
// are always closed on return.
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

	pump := func(dst, src net.Conn) error {
		buf := copyBuffers.Get()
		defer copyBuffers.Put(buf)

		_, err := io.CopyBuffer(dst, src, *buf)
		if err != nil {
			return err
		}
		cw, ok := dst.(closeWriter)
		if !ok || cw.CloseWrite() != nil {
			closeBoth()
		}
		return nil
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
	})

	g.Go(func() error { return pump(left, right) })
	g.Go(func() error { return pump(right, left) })

	err := g.Wait()
	close(done)
	wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
