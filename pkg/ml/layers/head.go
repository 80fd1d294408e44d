package layers

import (
	"context"

	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
)

// LMHead projects hidden states [batch, seq, hidden] to logits [batch, seq, vocab] against a [vocab, hidden]
// weight, usually tied to the Embedding table.
//
// Each tensor-parallel shard computes the logits of its vocabulary rows, and the logits are all-gathered
// along the vocabulary axis. In evaluation mode the input is recorded as the hidden state.
type LMHead struct {
	weight               *pipeline.Parameter
	vocabSize, hidden    int
	vocabStart, vocabEnd int
	shard                shard

	training    bool
	hiddenState *tensors.Tensor
}

var (
	_ pipeline.Trainable          = (*LMHead)(nil)
	_ pipeline.HiddenStateHolder  = (*LMHead)(nil)
	_ pipeline.TrainingModeSetter = (*LMHead)(nil)
)

// NewLMHead creates the local shard of a head over a vocabulary of vocabSize tokens.
func NewLMHead(bc pipeline.BuildContext, vocabSize, hidden int) (*LMHead, error) {
	s := newShard(bc)
	start, end, err := s.split("vocab_size", vocabSize)
	if err != nil {
		return nil, err
	}
	full := normalInit(bc.Rand, vocabSize, hidden, InitStddev)
	return &LMHead{
		weight:     &pipeline.Parameter{Name: pipeline.DefaultTiedWeight, Value: full.Slice(0, start, end)},
		vocabSize:  vocabSize,
		hidden:     hidden,
		vocabStart: start,
		vocabEnd:   end,
		shard:      s,
	}, nil
}

// Parameters implements pipeline.Trainable.
func (l *LMHead) Parameters() []*pipeline.Parameter { return []*pipeline.Parameter{l.weight} }

// Weight returns the local shard of the projection weight.
func (l *LMHead) Weight() *tensors.Tensor { return l.weight.Value }

// SetTraining implements pipeline.TrainingModeSetter.
func (l *LMHead) SetTraining(training bool) { l.training = training }

// HiddenState implements pipeline.HiddenStateHolder.
func (l *LMHead) HiddenState() *tensors.Tensor { return l.hiddenState }

// SetHiddenState implements pipeline.HiddenStateHolder.
func (l *LMHead) SetHiddenState(h *tensors.Tensor) { l.hiddenState = h }

// ClearHiddenState implements pipeline.HiddenStateHolder.
func (l *LMHead) ClearHiddenState() { l.hiddenState = nil }

// Forward implements pipeline.Layer.
func (l *LMHead) Forward(ctx context.Context, x *tensors.Tensor) (*tensors.Tensor, error) {
	rows, err := flatRows(x, l.hidden)
	if err != nil {
		return nil, errors.WithMessage(err, "lm head")
	}
	if !l.training {
		l.hiddenState = x
	}
	localVocab := l.vocabEnd - l.vocabStart
	values := matMulTransB(x.Floats(), rows, l.hidden, l.weight.Value.Floats(), localVocab)
	logits := tensors.FromFlatData(values, withLastDim(x, localVocab)...)
	logits, err = l.shard.allGather(ctx, logits)
	if err != nil {
		return nil, errors.WithMessage(err, "lm head all-gather")
	}
	return logits, nil
}

// Backward implements pipeline.Trainable.
func (l *LMHead) Backward(ctx context.Context, x, gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	rows, err := flatRows(x, l.hidden)
	if err != nil {
		return nil, errors.WithMessage(err, "lm head")
	}
	if gradOutput.Size() != rows*l.vocabSize || gradOutput.Dim(-1) != l.vocabSize {
		return nil, errors.Errorf("lm head gradient %s doesn't match input %s and vocabulary %d", gradOutput, x, l.vocabSize)
	}
	localVocab := l.vocabEnd - l.vocabStart
	localGrad := gradOutput.Reshape(rows, l.vocabSize).Slice(1, l.vocabStart, l.vocabEnd).Floats()

	gradW := matMulTransA(localGrad, rows, localVocab, x.Floats(), l.hidden)
	l.weight.AccumulateGrad(tensors.FromFlatData(gradW, localVocab, l.hidden))

	gradX := tensors.FromFlatData(matMul(localGrad, rows, localVocab, l.weight.Value.Floats(), l.hidden), x.Dimensions()...)
	if err := l.shard.allReduce(ctx, gradX); err != nil {
		return nil, errors.WithMessage(err, "lm head gradient all-reduce")
	}
	return gradX, nil
}
