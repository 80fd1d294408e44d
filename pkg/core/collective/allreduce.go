package collective

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ReduceOp is the reduction applied by AllReduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMax
	ReduceMin

	// ReduceMean is ReduceSum divided by the group size. Float tensors only.
	ReduceMean
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	case ReduceMean:
		return "mean"
	}
	return "ReduceOp(?)"
}

func reduceFloats(op ReduceOp, dst, src []float32) {
	for ii, v := range src {
		switch op {
		case ReduceMax:
			dst[ii] = max(dst[ii], v)
		case ReduceMin:
			dst[ii] = min(dst[ii], v)
		default:
			dst[ii] += v
		}
	}
}

func reduceInts(op ReduceOp, dst, src []int32) {
	for ii, v := range src {
		switch op {
		case ReduceMax:
			dst[ii] = max(dst[ii], v)
		case ReduceMin:
			dst[ii] = min(dst[ii], v)
		default:
			dst[ii] += v
		}
	}
}

// chunk holds a [start, end) range of one of the tensor storages.
type chunk struct {
	floats []float32
	ints   []int32
}

func (c chunk) encode() []byte {
	if c.ints != nil {
		buf := make([]byte, 4*len(c.ints))
		for ii, v := range c.ints {
			binary.LittleEndian.PutUint32(buf[4*ii:], uint32(v))
		}
		return buf
	}
	buf := make([]byte, 4*len(c.floats))
	for ii, v := range c.floats {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	return buf
}

// decode the payload into a chunk of the same storage type and length as c.
func (c chunk) decode(buf []byte) (chunk, error) {
	n := max(len(c.floats), len(c.ints))
	if len(buf) != 4*n {
		return chunk{}, errors.Errorf("all-reduce chunk of %d elements received %d bytes", n, len(buf))
	}
	if c.ints != nil {
		out := chunk{ints: make([]int32, n)}
		for ii := range out.ints {
			out.ints[ii] = int32(binary.LittleEndian.Uint32(buf[4*ii:]))
		}
		return out, nil
	}
	out := chunk{floats: make([]float32, n)}
	for ii := range out.floats {
		out.floats[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
	}
	return out, nil
}

func (c chunk) reduce(op ReduceOp, other chunk) {
	if c.ints != nil {
		reduceInts(op, c.ints, other.ints)
	} else {
		reduceFloats(op, c.floats, other.floats)
	}
}

func (c chunk) copyFrom(other chunk) {
	copy(c.ints, other.ints)
	copy(c.floats, other.floats)
}

func splitChunks(t *tensors.Tensor, n int) []chunk {
	size := t.Size()
	chunks := make([]chunk, n)
	for ii := range chunks {
		start, end := ii*size/n, (ii+1)*size/n
		if t.DType() == dtypes.Int32 {
			chunks[ii].ints = t.Ints()[start:end:end]
			if chunks[ii].ints == nil {
				chunks[ii].ints = []int32{}
			}
		} else {
			chunks[ii].floats = t.Floats()[start:end:end]
			if chunks[ii].floats == nil {
				chunks[ii].floats = []float32{}
			}
		}
	}
	return chunks
}

// AllReduce reduces t in place across all members: on return every member holds the same values.
//
// It uses the ring algorithm: a reduce-scatter pass leaves member i with the fully reduced chunk (i+1) mod n,
// then an all-gather pass circulates the reduced chunks. Each reduced value is computed by exactly one member
// and copied to the others, so results are bit-identical across members.
func (g *Group) AllReduce(ctx context.Context, t *tensors.Tensor, op ReduceOp) error {
	if op == ReduceMean && t.DType() == dtypes.Int32 {
		return errors.Errorf("group %s: %s all-reduce not supported for %s", g.name, op, t.DType())
	}
	n := len(g.ranks)
	if n == 1 {
		return nil
	}
	chunks := splitChunks(t, n)
	next, prev := (g.index+1)%n, (g.index-1+n)%n
	mod := func(i int) int { return ((i % n) + n) % n }

	for step := 0; step < n-1; step++ {
		sendIdx, recvIdx := mod(g.index-step), mod(g.index-step-1)
		if err := g.sendBytes(ctx, next, "allreduce", chunks[sendIdx].encode()); err != nil {
			return errors.WithMessagef(err, "group %s: all-reduce scatter step %d", g.name, step)
		}
		buf, err := g.recvBytes(ctx, prev, "allreduce")
		if err != nil {
			return errors.WithMessagef(err, "group %s: all-reduce scatter step %d", g.name, step)
		}
		received, err := chunks[recvIdx].decode(buf)
		if err != nil {
			return err
		}
		chunks[recvIdx].reduce(op, received)
	}

	for step := 0; step < n-1; step++ {
		sendIdx, recvIdx := mod(g.index+1-step), mod(g.index-step)
		if err := g.sendBytes(ctx, next, "allreduce", chunks[sendIdx].encode()); err != nil {
			return errors.WithMessagef(err, "group %s: all-reduce gather step %d", g.name, step)
		}
		buf, err := g.recvBytes(ctx, prev, "allreduce")
		if err != nil {
			return errors.WithMessagef(err, "group %s: all-reduce gather step %d", g.name, step)
		}
		received, err := chunks[recvIdx].decode(buf)
		if err != nil {
			return err
		}
		chunks[recvIdx].copyFrom(received)
	}

	if op == ReduceMean {
		t.ScaleInPlace(1 / float32(n))
	} else {
		t.Round()
	}
	return nil
}
