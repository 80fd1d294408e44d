package collective

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func worldRanks(n int) []int {
	ranks := make([]int, n)
	for ii := range ranks {
		ranks[ii] = ii
	}
	return ranks
}

func TestNewGroup(t *testing.T) {
	world := NewLocalWorld(4)
	g, err := NewGroup(world[2], "", []int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, "group[0,2]", g.Name())
	assert.Equal(t, 1, g.Index())
	assert.Equal(t, 2, g.Size())
	assert.Equal(t, 0, g.WorldRank(0))

	_, err = NewGroup(world[1], "", []int{0, 2})
	require.Error(t, err)
	_, err = NewGroup(world[0], "", []int{0, 0})
	require.Error(t, err)
	_, err = NewGroup(world[0], "", []int{0, 4})
	require.Error(t, err)
	_, err = NewGroup(world[0], "", nil)
	require.Error(t, err)
}

func TestAllReduce(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4} {
		for _, length := range []int{1, 2, 7, 32} {
			t.Run(fmt.Sprintf("world=%d/length=%d", n, length), func(t *testing.T) {
				results := make([]*tensors.Tensor, n)
				maxResults := make([]*tensors.Tensor, n)
				intResults := make([]*tensors.Tensor, n)
				err := RunLocal(testContext(t), n, func(ctx context.Context, rank int, tr Transport) error {
					g, err := NewGroup(tr, "world", worldRanks(n))
					if err != nil {
						return err
					}
					values := make([]float32, length)
					ints := make([]int32, length)
					for ii := range values {
						values[ii] = float32(rank*100 + ii)
						ints[ii] = int32(rank - ii)
					}
					sum := tensors.FromFlatData(values)
					if err := g.AllReduce(ctx, sum, ReduceSum); err != nil {
						return err
					}
					maximum := tensors.FromFlatData(values)
					if err := g.AllReduce(ctx, maximum, ReduceMax); err != nil {
						return err
					}
					minInts := tensors.FromFlatData(ints)
					if err := g.AllReduce(ctx, minInts, ReduceMin); err != nil {
						return err
					}
					results[rank], maxResults[rank], intResults[rank] = sum, maximum, minInts
					return nil
				})
				require.NoError(t, err)
				for rank := range n {
					for ii := range length {
						wantSum := float32(0)
						for r := range n {
							wantSum += float32(r*100 + ii)
						}
						assert.Equal(t, wantSum, results[rank].Floats()[ii])
						assert.Equal(t, float32((n-1)*100+ii), maxResults[rank].Floats()[ii])
						assert.Equal(t, int32(-ii), intResults[rank].Ints()[ii])
					}
					assert.True(t, results[0].Equal(results[rank]))
				}
			})
		}
	}
}

func TestAllReduceMean(t *testing.T) {
	err := RunLocal(testContext(t), 4, func(ctx context.Context, rank int, tr Transport) error {
		g, err := NewGroup(tr, "world", worldRanks(4))
		if err != nil {
			return err
		}
		x := tensors.FromFlatData([]float32{float32(rank), 2})
		if err := g.AllReduce(ctx, x, ReduceMean); err != nil {
			return err
		}
		if x.Floats()[0] != 1.5 || x.Floats()[1] != 2 {
			return fmt.Errorf("rank %d got %v", rank, x.Floats())
		}
		return g.AllReduce(ctx, tensors.FromFlatData([]int32{1}), ReduceMean)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestBroadcastAndGather(t *testing.T) {
	const n = 3
	gathered := make([]*tensors.Tensor, n)
	broadcast := make([]*tensors.Tensor, n)
	err := RunLocal(testContext(t), n, func(ctx context.Context, rank int, tr Transport) error {
		g, err := NewGroup(tr, "world", worldRanks(n))
		if err != nil {
			return err
		}
		var x *tensors.Tensor
		if rank == 1 {
			x = tensors.FromFlatData([]float32{1, 2, 3, 4}, 2, 2).ConvertTo(dtypes.BFloat16)
		}
		if broadcast[rank], err = g.Broadcast(ctx, x, 1); err != nil {
			return err
		}
		local := tensors.FromFlatData([]float32{float32(rank), float32(rank)}, 2, 1)
		gathered[rank], err = g.AllGather(ctx, local, -1)
		return err
	})
	require.NoError(t, err)
	for rank := range n {
		assert.Equal(t, dtypes.BFloat16, broadcast[rank].DType())
		assert.Equal(t, []float32{1, 2, 3, 4}, broadcast[rank].Floats())
		assert.Equal(t, []int{2, 3}, gathered[rank].Dimensions())
		assert.Equal(t, []float32{0, 1, 2, 0, 1, 2}, gathered[rank].Floats())
	}
}

func TestSendRecv(t *testing.T) {
	err := RunLocal(testContext(t), 2, func(ctx context.Context, rank int, tr Transport) error {
		g, err := NewGroup(tr, GroupName("p2p", []int{0, 1}), []int{0, 1})
		if err != nil {
			return err
		}
		if rank == 0 {
			for ii := range 3 {
				x := tensors.FromFlatData([]float32{float32(ii), float32(ii)})
				if ii == 0 {
					err = g.Send(ctx, 1, x)
				} else {
					err = g.SendData(ctx, 1, x)
				}
				if err != nil {
					return err
				}
			}
			return nil
		}
		first, err := g.Recv(ctx, 0)
		if err != nil {
			return err
		}
		buffer := tensors.Zeros(first.DType(), first.Dimensions()...)
		for ii := 1; ii < 3; ii++ {
			if err := g.RecvInto(ctx, 0, buffer); err != nil {
				return err
			}
			if buffer.Floats()[1] != float32(ii) {
				return fmt.Errorf("message %d arrived out of order: %v", ii, buffer)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRecvCancelled(t *testing.T) {
	world := NewLocalWorld(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := world[0].Recv(ctx, 1, "nothing")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, world[1].Close())
	_, err = world[0].Recv(context.Background(), 1, "nothing")
	require.ErrorIs(t, err, ErrClosed)
}

func TestTCPTransport(t *testing.T) {
	const n = 3
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)
	for ii := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[ii] = ln
		addrs[ii] = ln.Addr().String()
	}
	transports := make([]*TCPTransport, n)
	for ii := range transports {
		transports[ii] = NewTCPTransport(ii, listeners[ii], addrs, DefaultRetryPolicy)
	}
	defer func() {
		for _, tr := range transports {
			_ = tr.Close()
		}
	}()

	ctx := testContext(t)
	results := make(chan error, n)
	sums := make([]*tensors.Tensor, n)
	for rank := range n {
		go func() {
			g, err := NewGroup(transports[rank], "world", worldRanks(n))
			if err != nil {
				results <- err
				return
			}
			x := tensors.FromFlatData([]float32{float32(rank), 1, 2, 3, 4})
			if err := g.AllReduce(ctx, x, ReduceSum); err != nil {
				results <- err
				return
			}
			sums[rank] = x
			results <- g.Barrier(ctx)
		}()
	}
	for range n {
		require.NoError(t, <-results)
	}
	for rank := range n {
		assert.Equal(t, []float32{3, 3, 6, 9, 12}, sums[rank].Floats())
	}
}

func TestTCPConcurrentSend(t *testing.T) {
	addrs := make([]string, 2)
	listeners := make([]net.Listener, 2)
	for ii := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[ii] = ln
		addrs[ii] = ln.Addr().String()
	}
	sender := NewTCPTransport(0, listeners[0], addrs, DefaultRetryPolicy)
	receiver := NewTCPTransport(1, listeners[1], addrs, DefaultRetryPolicy)
	defer func() {
		_ = sender.Close()
		_ = receiver.Close()
	}()

	ctx := testContext(t)
	const senders, messages = 8, 20
	results := make(chan error, senders)
	for s := range senders {
		go func() {
			for m := range messages {
				if err := sender.Send(ctx, 1, fmt.Sprintf("sender-%d", s), []byte{byte(s), byte(m)}); err != nil {
					results <- err
					return
				}
			}
			results <- nil
		}()
	}
	for range senders {
		require.NoError(t, <-results)
	}
	for s := range senders {
		for m := range messages {
			payload, err := receiver.Recv(ctx, 0, fmt.Sprintf("sender-%d", s))
			require.NoError(t, err)
			require.Equal(t, []byte{byte(s), byte(m)}, payload)
		}
	}

	// A dropped connection fails the next Send, and the one after dials again.
	p := sender.peer(1)
	p.mu.Lock()
	_ = p.conn.Close()
	p.mu.Unlock()
	require.Error(t, sender.Send(ctx, 1, "after", []byte{1}))
	require.NoError(t, sender.Send(ctx, 1, "after", []byte{2}))
	payload, err := receiver.Recv(ctx, 0, "after")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, payload)
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(10))
	p.Jitter = 0.5
	delay := p.Backoff(1)
	assert.GreaterOrEqual(t, delay, 20*time.Millisecond)
	assert.LessOrEqual(t, delay, 30*time.Millisecond)
}
