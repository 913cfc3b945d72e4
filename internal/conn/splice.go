package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Splice copies bytes between left and right until either side finishes or
// ctx is canceled, then closes both. It returns the number of bytes copied
// from left to right (sent) and from right to left (received).
//
// If idleTimeout is positive, a deadline is applied to both connections and
// pushed forward after every successful read.
func Splice(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) (sent, received int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		n, err := copyIdle(right, left, idleTimeout)
		sent = n
		closeBoth()
		return err
	})

	g.Go(func() error {
		n, err := copyIdle(left, right, idleTimeout)
		received = n
		closeBoth()
		return err
	})

	// Canceling ctx closes both sides to unblock the copies.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err = g.Wait()
	if isClosed(err) {
		err = nil
	}
	return sent, received, err
}

// isClosed reports errors caused by our own teardown of the other direction.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func copyIdle(dst, src net.Conn, idleTimeout time.Duration) (int64, error) {
	if idleTimeout <= 0 {
		return io.Copy(dst, src)
	}

	buf := make([]byte, 32*1024)
	var written int64
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, rerr := src.Read(buf)
		if n > 0 {
			_ = dst.SetWriteDeadline(time.Now().Add(idleTimeout))
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
