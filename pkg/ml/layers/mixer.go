package layers

import (
	"context"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
)

// MixerCache is the decoding state of a PrefixMixer: the running sum of the inputs of each row, and how many
// positions were summed.
type MixerCache struct {
	// Sum is shaped [batch, hidden].
	Sum   *tensors.Tensor
	Count int
}

// PrefixMixer is a causal block mixing each position with the mean of its prefix:
//
//	y[t] = x[t] + gain * mean(x[0], ..., x[t])
//
// When the cache is enabled (see SetUseCache) and the layer is in evaluation mode, the running sum is kept in
// the cache slot, and later calls continue from it: decoding one token at a time gives the same outputs as
// decoding the whole sequence.
type PrefixMixer struct {
	gain     *pipeline.Parameter
	hidden   int
	cache    *MixerCache
	useCache bool
	training bool
}

var (
	_ pipeline.Trainable          = (*PrefixMixer)(nil)
	_ pipeline.CacheHolder        = (*PrefixMixer)(nil)
	_ pipeline.CacheToggler       = (*PrefixMixer)(nil)
	_ pipeline.TrainingModeSetter = (*PrefixMixer)(nil)
)

// NewPrefixMixer creates a mixer over hidden features, with the gain initialized to 1.
func NewPrefixMixer(_ pipeline.BuildContext, hidden int) (*PrefixMixer, error) {
	if hidden <= 0 {
		return nil, errors.Errorf("invalid hidden size %d", hidden)
	}
	gain := tensors.Zeros(dtypes.Float32, hidden)
	gain.Fill(1)
	return &PrefixMixer{gain: &pipeline.Parameter{Name: "gain", Value: gain}, hidden: hidden}, nil
}

// Parameters implements pipeline.Trainable.
func (m *PrefixMixer) Parameters() []*pipeline.Parameter { return []*pipeline.Parameter{m.gain} }

// Cache implements pipeline.CacheHolder. It returns a *MixerCache, or nil.
func (m *PrefixMixer) Cache() any {
	if m.cache == nil {
		return nil
	}
	return m.cache
}

// SetCache implements pipeline.CacheHolder. It accepts a *MixerCache or nil.
func (m *PrefixMixer) SetCache(cache any) {
	switch c := cache.(type) {
	case nil:
		m.cache = nil
	case *MixerCache:
		m.cache = c
	default:
		m.cache = nil
	}
}

// ClearCache implements pipeline.CacheHolder.
func (m *PrefixMixer) ClearCache() { m.cache = nil }

// SetUseCache implements pipeline.CacheToggler.
func (m *PrefixMixer) SetUseCache(useCache bool) { m.useCache = useCache }

// SetTraining implements pipeline.TrainingModeSetter. In training the cache is neither read nor written.
func (m *PrefixMixer) SetTraining(training bool) { m.training = training }

// checkInput returns the batch and sequence sizes of x.
func (m *PrefixMixer) checkInput(x *tensors.Tensor) (batch, seq int, err error) {
	if x.DType() == dtypes.Int32 || x.Rank() != 3 || x.Dim(-1) != m.hidden {
		return 0, 0, errors.Errorf("mixer expects float activations shaped [batch, seq, %d], got %s", m.hidden, x)
	}
	return x.Dim(0), x.Dim(1), nil
}

// Forward implements pipeline.Layer.
func (m *PrefixMixer) Forward(_ context.Context, x *tensors.Tensor) (*tensors.Tensor, error) {
	batch, seq, err := m.checkInput(x)
	if err != nil {
		return nil, err
	}
	h := m.hidden
	gain := m.gain.Value.Floats()
	sums := make([]float32, batch*h)
	count := 0
	if m.cache != nil && !m.training {
		if m.cache.Sum == nil || !m.cache.Sum.HasDimensions([]int{batch, h}) {
			return nil, errors.Errorf("mixer cache %v doesn't match batch %d with %d features", m.cache.Sum, batch, h)
		}
		copy(sums, m.cache.Sum.Floats())
		count = m.cache.Count
	}

	out := x.Clone()
	xs, ys := x.Floats(), out.Floats()
	for b := range batch {
		sum := sums[b*h : (b+1)*h]
		for t := range seq {
			offset := (b*seq + t) * h
			scale := 1 / float32(count+t+1)
			for ii := range h {
				sum[ii] += xs[offset+ii]
				ys[offset+ii] += gain[ii] * sum[ii] * scale
			}
		}
	}
	out.Round()

	if m.useCache && !m.training {
		m.cache = &MixerCache{Sum: tensors.FromFlatData(sums, batch, h), Count: count + seq}
	}
	return out, nil
}

// Backward implements pipeline.Trainable. It assumes the forward ran without cache, as in training.
func (m *PrefixMixer) Backward(_ context.Context, x, gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	batch, seq, err := m.checkInput(x)
	if err != nil {
		return nil, err
	}
	if !gradOutput.SameShape(x) {
		return nil, errors.Errorf("mixer gradient %s doesn't match input %s", gradOutput, x)
	}
	h := m.hidden
	gain := m.gain.Value.Floats()
	xs, gys := x.Floats(), gradOutput.Floats()
	gradX := gradOutput.Clone()
	gxs := gradX.Floats()
	gradGain := make([]float32, h)
	prefix := make([]float32, h)
	suffix := make([]float32, h)
	for b := range batch {
		clear(prefix)
		for t := range seq {
			offset := (b*seq + t) * h
			scale := 1 / float32(t+1)
			for ii := range h {
				prefix[ii] += xs[offset+ii]
				gradGain[ii] += gys[offset+ii] * prefix[ii] * scale
			}
		}
		clear(suffix)
		for t := seq - 1; t >= 0; t-- {
			offset := (b*seq + t) * h
			scale := 1 / float32(t+1)
			for ii := range h {
				suffix[ii] += gys[offset+ii] * scale
				gxs[offset+ii] += gain[ii] * suffix[ii]
			}
		}
	}
	gradX.Round()
	m.gain.AccumulateGrad(tensors.FromFlatData(gradGain, h))
	return gradX, nil
}
