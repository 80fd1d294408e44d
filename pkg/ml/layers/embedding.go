// Package layers provides reference layers for pipelines: a vocab-parallel embedding, a prefix-mixing block
// with an incremental decoding cache, and a vocab-parallel LM head that can be tied to the embedding.
//
// Tensor-parallel shards use the tensor group of the BuildContext grid. With one shard (or no grid) they
// behave as plain layers, and the full weights are initialized identically for any number of shards.
package layers

import (
	"context"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
)

// Layer kinds of the reference layers.
const (
	KindEmbedding = "embedding"
	KindMixer     = "mixer"
	KindLMHead    = "lm_head"
)

// InitStddev is the standard deviation of the embedding and LM head initialization.
const InitStddev = 0.02

// shard describes the tensor-parallel slice of a layer.
type shard struct {
	group       *collective.Group
	index, size int
}

func newShard(bc pipeline.BuildContext) shard {
	if bc.Grid == nil {
		return shard{index: 0, size: 1}
	}
	g := bc.Grid.TensorGroup()
	return shard{group: g, index: g.Index(), size: g.Size()}
}

// split returns the local range of a dimension of size dim.
func (s shard) split(name string, dim int) (start, end int, err error) {
	if dim%s.size != 0 {
		return 0, 0, errors.Errorf("%s=%d is not divisible by the %d tensor-parallel shards", name, dim, s.size)
	}
	step := dim / s.size
	return s.index * step, (s.index + 1) * step, nil
}

func (s shard) allReduce(ctx context.Context, t *tensors.Tensor) error {
	if s.size == 1 {
		return nil
	}
	return s.group.AllReduce(ctx, t, collective.ReduceSum)
}

func (s shard) allGather(ctx context.Context, t *tensors.Tensor) (*tensors.Tensor, error) {
	if s.size == 1 {
		return t, nil
	}
	return s.group.AllGather(ctx, t, -1)
}

// Embedding maps token ids [batch, seq] to vectors [batch, seq, hidden].
//
// The vocabulary rows are split among the tensor-parallel shards: each shard looks up the ids it owns and the
// partial results are summed over the tensor group.
type Embedding struct {
	weight               *pipeline.Parameter
	vocabSize, hidden    int
	vocabStart, vocabEnd int
	shard                shard
}

var _ pipeline.Trainable = (*Embedding)(nil)

// NewEmbedding creates the local shard of a [vocabSize, hidden] embedding table.
func NewEmbedding(bc pipeline.BuildContext, vocabSize, hidden int) (*Embedding, error) {
	s := newShard(bc)
	start, end, err := s.split("vocab_size", vocabSize)
	if err != nil {
		return nil, err
	}
	full := normalInit(bc.Rand, vocabSize, hidden, InitStddev)
	return &Embedding{
		weight:     &pipeline.Parameter{Name: pipeline.DefaultTiedWeight, Value: full.Slice(0, start, end)},
		vocabSize:  vocabSize,
		hidden:     hidden,
		vocabStart: start,
		vocabEnd:   end,
		shard:      s,
	}, nil
}

// Parameters implements pipeline.Trainable.
func (e *Embedding) Parameters() []*pipeline.Parameter { return []*pipeline.Parameter{e.weight} }

// Weight returns the local shard of the embedding table.
func (e *Embedding) Weight() *tensors.Tensor { return e.weight.Value }

func (e *Embedding) checkIDs(ids *tensors.Tensor) error {
	if ids.DType() != dtypes.Int32 || ids.Rank() != 2 {
		return errors.Errorf("embedding expects int32 ids shaped [batch, seq], got %s", ids)
	}
	for _, id := range ids.Ints() {
		if id < 0 || int(id) >= e.vocabSize {
			return errors.Errorf("token id %d out of range for vocabulary of size %d", id, e.vocabSize)
		}
	}
	return nil
}

// Forward implements pipeline.Layer.
func (e *Embedding) Forward(ctx context.Context, ids *tensors.Tensor) (*tensors.Tensor, error) {
	if err := e.checkIDs(ids); err != nil {
		return nil, err
	}
	out := tensors.Zeros(dtypes.Float32, ids.Dim(0), ids.Dim(1), e.hidden)
	values, table := out.Floats(), e.weight.Value.Floats()
	for pos, id := range ids.Ints() {
		if int(id) < e.vocabStart || int(id) >= e.vocabEnd {
			continue
		}
		row := int(id) - e.vocabStart
		copy(values[pos*e.hidden:(pos+1)*e.hidden], table[row*e.hidden:(row+1)*e.hidden])
	}
	if err := e.shard.allReduce(ctx, out); err != nil {
		return nil, errors.WithMessage(err, "embedding all-reduce")
	}
	return out, nil
}

// Backward implements pipeline.Trainable. Token ids are not differentiable: the returned gradient is nil.
func (e *Embedding) Backward(_ context.Context, ids, gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	if err := e.checkIDs(ids); err != nil {
		return nil, err
	}
	if gradOutput.Size() != ids.Size()*e.hidden {
		return nil, errors.Errorf("embedding gradient %s doesn't match ids %s", gradOutput, ids)
	}
	grad := tensors.Zeros(e.weight.Value.DType(), e.weight.Value.Dimensions()...)
	values, gOut := grad.Floats(), gradOutput.Floats()
	for pos, id := range ids.Ints() {
		if int(id) < e.vocabStart || int(id) >= e.vocabEnd {
			continue
		}
		row := values[(int(id)-e.vocabStart)*e.hidden:]
		for ii, g := range gOut[pos*e.hidden : (pos+1)*e.hidden] {
			row[ii] += g
		}
	}
	e.weight.AccumulateGrad(grad)
	return nil, nil
}
