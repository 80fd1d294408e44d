package collective

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalTransport connects ranks running as goroutines of the same process.
type LocalTransport struct {
	rank, size int
	hub        *mailboxes
	closeOnce  *sync.Once
	closed     chan struct{}
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalWorld creates the transports of a world of n ranks connected in memory.
// Closing any of them closes the whole world.
func NewLocalWorld(n int) []*LocalTransport {
	hub := newMailboxes()
	closed := make(chan struct{})
	once := &sync.Once{}
	world := make([]*LocalTransport, n)
	for rank := range world {
		world[rank] = &LocalTransport{rank: rank, size: n, hub: hub, closeOnce: once, closed: closed}
	}
	return world
}

// Rank implements Transport.
func (lt *LocalTransport) Rank() int { return lt.rank }

// Size implements Transport.
func (lt *LocalTransport) Size() int { return lt.size }

// Send implements Transport.
func (lt *LocalTransport) Send(_ context.Context, dst int, tag string, payload []byte) error {
	if err := checkPeer(lt, dst); err != nil {
		return err
	}
	select {
	case <-lt.closed:
		return ErrClosed
	default:
	}
	lt.hub.get(mailboxKey{src: lt.rank, dst: dst, tag: tag}).push(payload)
	return nil
}

// Recv implements Transport.
func (lt *LocalTransport) Recv(ctx context.Context, src int, tag string) ([]byte, error) {
	if err := checkPeer(lt, src); err != nil {
		return nil, err
	}
	return lt.hub.get(mailboxKey{src: src, dst: lt.rank, tag: tag}).pop(ctx, lt.closed)
}

// Close implements Transport.
func (lt *LocalTransport) Close() error {
	lt.closeOnce.Do(func() { close(lt.closed) })
	return nil
}

// RunLocal runs fn for each of the n ranks of a new local world, each on its own goroutine.
//
// It returns the first error returned by any rank. The context passed to fn is cancelled as soon as one
// rank fails, which unblocks the ranks waiting on it.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, rank int, t Transport) error) error {
	world := NewLocalWorld(n)
	defer func() { _ = world[0].Close() }()
	g, gCtx := errgroup.WithContext(ctx)
	for rank, t := range world {
		g.Go(func() error {
			return fn(gCtx, rank, t)
		})
	}
	return g.Wait()
}
