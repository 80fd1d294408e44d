// Package collective implements point-to-point and collective communication among the ranks of a
// process world.
//
// A Transport moves opaque byte messages between world ranks. Two implementations are provided:
// NewLocalWorld (goroutines of one process, used by tests and simulations) and the TCP transport
// (one process per rank).
//
// A Group is a communicator over a subset of ranks: it provides tensor Send/Recv, Broadcast, AllReduce,
// AllGather and Barrier. Collective calls never time out: all members must issue the same collectives in
// the same order, otherwise they block until their context is cancelled.
package collective

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Transport moves messages between world ranks.
//
// Messages are delivered in FIFO order per (source, destination, tag). Send never waits for the receiver.
type Transport interface {
	// Rank of the local process in the world.
	Rank() int

	// Size is the number of ranks in the world.
	Size() int

	// Send payload to rank dst under the given tag. The transport owns payload after the call.
	Send(ctx context.Context, dst int, tag string, payload []byte) error

	// Recv blocks until a message from rank src under the given tag is available, or ctx is done.
	Recv(ctx context.Context, src int, tag string) ([]byte, error)

	// Close releases the transport resources. Pending Recv calls return ErrClosed.
	Close() error
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("collective transport closed")

type mailboxKey struct {
	src, dst int
	tag      string
}

// mailbox is an unbounded FIFO queue of messages.
type mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{})}
}

func (m *mailbox) push(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, payload)
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *mailbox) pop(ctx context.Context, closed <-chan struct{}) ([]byte, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			payload := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return payload, nil
		}
		notify := m.notify
		m.mu.Unlock()
		select {
		case <-notify:
		case <-closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "collective receive interrupted")
		}
	}
}

// mailboxes indexes mailbox by (src, dst, tag), creating them on demand.
type mailboxes struct {
	mu      sync.Mutex
	entries map[mailboxKey]*mailbox
}

func newMailboxes() *mailboxes {
	return &mailboxes{entries: make(map[mailboxKey]*mailbox)}
}

func (mb *mailboxes) get(key mailboxKey) *mailbox {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m, found := mb.entries[key]
	if !found {
		m = newMailbox()
		mb.entries[key] = m
	}
	return m
}

func checkPeer(t Transport, peer int) error {
	if peer < 0 || peer >= t.Size() {
		return errors.Errorf("rank %d out of range for world of size %d", peer, t.Size())
	}
	return nil
}
