package collective

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"
)

// RetryPolicy controls how a TCPTransport dials peers that are not listening yet.
type RetryPolicy struct {
	// MaxAttempts is the number of connection attempts before giving up. 0 means retry until the context is done.
	MaxAttempts int

	// BaseDelay is the delay after the first failure, doubled after each subsequent failure up to MaxDelay.
	BaseDelay, MaxDelay time.Duration

	// Jitter is the fraction of the delay randomly added to it.
	Jitter float64
}

// DefaultRetryPolicy is used by ListenTCP.
var DefaultRetryPolicy = RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.15}

// Backoff returns the delay to wait after the given failed attempt (starting at 0).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for range attempt {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// frameHeader precedes every payload on a TCP connection, CBOR encoded and prefixed by its uint32 length.
type frameHeader struct {
	Src int    `cbor:"1,keyasint"`
	Tag string `cbor:"2,keyasint"`
	Len int    `cbor:"3,keyasint"`
}

// maxHeaderSize bounds the CBOR header, a corrupted stream fails instead of allocating.
const maxHeaderSize = 64 << 10

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
}

// TCPTransport connects one process per rank over TCP.
//
// Each rank keeps one outgoing connection per peer, dialed lazily on the first Send, and accepts incoming
// connections from every peer. Incoming frames are queued by (source, tag) until received.
type TCPTransport struct {
	rank     int
	addrs    []string
	listener net.Listener
	retry    RetryPolicy
	inbox    *mailboxes

	mu       sync.Mutex
	peers    map[int]*peerConn
	incoming []net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ Transport = (*TCPTransport)(nil)

// ListenTCP listens on addrs[rank] and returns the transport for rank in the world described by addrs.
func ListenTCP(rank int, addrs []string) (*TCPTransport, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, errors.Errorf("rank %d out of range for %d addresses", rank, len(addrs))
	}
	listener, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to listen on %q", rank, addrs[rank])
	}
	return NewTCPTransport(rank, listener, addrs, DefaultRetryPolicy), nil
}

// NewTCPTransport creates a transport for rank using an already open listener.
// addrs[i] is the address peers dial to reach rank i.
func NewTCPTransport(rank int, listener net.Listener, addrs []string, retry RetryPolicy) *TCPTransport {
	t := &TCPTransport{
		rank:     rank,
		addrs:    addrs,
		listener: listener,
		retry:    retry,
		inbox:    newMailboxes(),
		peers:    make(map[int]*peerConn),
		closed:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

// Rank implements Transport.
func (t *TCPTransport) Rank() int { return t.rank }

// Size implements Transport.
func (t *TCPTransport) Size() int { return len(t.addrs) }

// Addr returns the address the transport listens on.
func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
			default:
				klog.Errorf("rank %d: accepting connections: %+v", t.rank, err)
			}
			return
		}
		t.mu.Lock()
		select {
		case <-t.closed:
			t.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		t.incoming = append(t.incoming, conn)
		t.wg.Add(1)
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	r := bufio.NewReader(conn)
	for {
		header, payload, err := readFrame(r)
		if err != nil {
			select {
			case <-t.closed:
			default:
				if !errors.Is(err, io.EOF) {
					klog.Warningf("rank %d: connection from %s dropped: %v", t.rank, conn.RemoteAddr(), err)
				}
			}
			_ = conn.Close()
			return
		}
		klog.V(3).Infof("rank %d: received %d bytes from rank %d, tag %q", t.rank, header.Len, header.Src, header.Tag)
		t.inbox.get(mailboxKey{src: header.Src, dst: t.rank, tag: header.Tag}).push(payload)
	}
}

func readFrame(r io.Reader) (header frameHeader, payload []byte, err error) {
	var sizeBuf [4]byte
	if _, err = io.ReadFull(r, sizeBuf[:]); err != nil {
		return
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > maxHeaderSize {
		err = errors.Errorf("frame header of %d bytes exceeds limit of %d", size, maxHeaderSize)
		return
	}
	headerBuf := make([]byte, size)
	if _, err = io.ReadFull(r, headerBuf); err != nil {
		err = errors.Wrap(err, "reading frame header")
		return
	}
	if err = cbor.Unmarshal(headerBuf, &header); err != nil {
		err = errors.Wrap(err, "decoding frame header")
		return
	}
	if header.Len < 0 {
		err = errors.Errorf("frame header with negative length %d", header.Len)
		return
	}
	payload = make([]byte, header.Len)
	if _, err = io.ReadFull(r, payload); err != nil {
		err = errors.Wrap(err, "reading frame payload")
	}
	return
}

func writeFrame(w *bufio.Writer, header frameHeader, payload []byte) error {
	headerBuf, err := cbor.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encoding frame header")
	}
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(headerBuf)))
	if _, err = w.Write(sizeBuf[:]); err != nil {
		return err
	}
	if _, err = w.Write(headerBuf); err != nil {
		return err
	}
	if _, err = w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// peer returns the outgoing connection slot for dst, creating it if needed.
func (t *TCPTransport) peer(dst int) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, found := t.peers[dst]
	if !found {
		p = &peerConn{}
		t.peers[dst] = p
	}
	return p
}

// dialLocked connects p to dst, retrying with backoff. p.mu must be held.
func (t *TCPTransport) dialLocked(ctx context.Context, dst int, p *peerConn) error {
	var dialer net.Dialer
	for attempt := 0; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", t.addrs[dst])
		if err == nil {
			select {
			case <-t.closed:
				_ = conn.Close()
				return ErrClosed
			default:
			}
			p.conn = conn
			p.w = bufio.NewWriter(conn)
			klog.V(1).Infof("rank %d: connected to rank %d at %s", t.rank, dst, t.addrs[dst])
			return nil
		}
		if t.retry.MaxAttempts > 0 && attempt+1 >= t.retry.MaxAttempts {
			return errors.Wrapf(err, "rank %d failed to connect to rank %d at %q after %d attempts",
				t.rank, dst, t.addrs[dst], attempt+1)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "rank %d connecting to rank %d", t.rank, dst)
		case <-t.closed:
			return ErrClosed
		case <-time.After(t.retry.Backoff(attempt)):
		}
	}
}

// Send implements Transport.
//
// Sends to the same peer are serialized: the connection is (re)dialed and the frame written under the same lock,
// so a failed write that drops the connection is seen by the next Send, which dials again.
func (t *TCPTransport) Send(ctx context.Context, dst int, tag string, payload []byte) error {
	if err := checkPeer(t, dst); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if dst == t.rank {
		t.inbox.get(mailboxKey{src: t.rank, dst: t.rank, tag: tag}).push(payload)
		return nil
	}
	p := t.peer(dst)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		if err := t.dialLocked(ctx, dst, p); err != nil {
			return err
		}
	}
	if err := writeFrame(p.w, frameHeader{Src: t.rank, Tag: tag, Len: len(payload)}, payload); err != nil {
		_ = p.conn.Close()
		p.conn, p.w = nil, nil
		return errors.Wrapf(err, "rank %d sending %d bytes to rank %d", t.rank, len(payload), dst)
	}
	return nil
}

// Recv implements Transport.
func (t *TCPTransport) Recv(ctx context.Context, src int, tag string) ([]byte, error) {
	if err := checkPeer(t, src); err != nil {
		return nil, err
	}
	return t.inbox.get(mailboxKey{src: src, dst: t.rank, tag: tag}).pop(ctx, t.closed)
}

// Close implements Transport. It closes the listener and all connections and waits for the reader goroutines.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.listener.Close()
		t.mu.Lock()
		for _, p := range t.peers {
			p.mu.Lock()
			if p.conn != nil {
				_ = p.conn.Close()
			}
			p.mu.Unlock()
		}
		for _, conn := range t.incoming {
			_ = conn.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
	return err
}
