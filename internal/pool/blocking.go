package pool

import (
	"context"
	"errors"
	"time"
)

// ErrBlockingTimeout is returned by BlockingPool.Acquire when no
// connection becomes available before the timeout elapses.
var ErrBlockingTimeout = errors.New("pool: timed out waiting for a connection")

// BlockingPool wraps Pool with a counting semaphore sized to
// MaxConnections, so that the (N+1)th concurrent Acquire parks
// instead of failing with ErrPoolExhausted. It suspends until
// Release frees a slot or until ctx/BlockingTimeout expires,
// whichever comes first.
type BlockingPool struct {
	*Pool
	sem             chan struct{}
	blockingTimeout time.Duration
}

// NewBlocking builds a BlockingPool. opt.MaxConnections bounds both
// the inner Pool and the semaphore; it must be positive.
func NewBlocking(opt Options, blockingTimeout time.Duration) *BlockingPool {
	n := opt.MaxConnections
	if n <= 0 {
		n = 1
	}
	return &BlockingPool{
		Pool:            New(opt),
		sem:             make(chan struct{}, n),
		blockingTimeout: blockingTimeout,
	}
}

// Acquire waits for a semaphore slot, then delegates to the inner
// Pool. Because the inner Pool's own MaxConnections cap matches the
// semaphore size, the delegated Acquire never itself returns
// ErrPoolExhausted: a held slot always corresponds to a free or
// creatable connection.
func (b *BlockingPool) Acquire(ctx context.Context) (*Conn, error) {
	timeout := b.blockingTimeout
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrBlockingTimeout
		}
		return nil, ctx.Err()
	}

	c, err := b.Pool.Acquire(ctx)
	if err != nil {
		<-b.sem
		return nil, err
	}
	return c, nil
}

// Release returns the connection to the inner Pool and frees the
// semaphore slot, unblocking one waiting Acquire if any.
func (b *BlockingPool) Release(c *Conn) {
	b.Pool.Release(c)
	<-b.sem
}

// Discard behaves like Release for semaphore accounting, but tells
// the inner Pool the connection is unusable and must not be idled.
func (b *BlockingPool) Discard(c *Conn) {
	b.Pool.Discard(c)
	<-b.sem
}
