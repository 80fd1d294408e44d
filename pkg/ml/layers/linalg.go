package layers

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// Dense kernels over flat row-major data. Activations [batch, seq, features] are seen as [batch*seq, features].

// matMul returns a[n,k] x b[k,m].
func matMul(a []float32, n, k int, b []float32, m int) []float32 {
	out := make([]float32, n*m)
	for i := range n {
		row := out[i*m : (i+1)*m]
		for p := range k {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b[p*m : (p+1)*m]
			for j, bv := range bRow {
				row[j] += av * bv
			}
		}
	}
	return out
}

// matMulTransB returns a[n,k] x transpose(b[m,k]).
func matMulTransB(a []float32, n, k int, b []float32, m int) []float32 {
	out := make([]float32, n*m)
	for i := range n {
		aRow := a[i*k : (i+1)*k]
		for j := range m {
			bRow := b[j*k : (j+1)*k]
			var sum float32
			for p, av := range aRow {
				sum += av * bRow[p]
			}
			out[i*m+j] = sum
		}
	}
	return out
}

// matMulTransA returns transpose(a[n,k]) x b[n,m], shaped [k,m].
func matMulTransA(a []float32, n, k int, b []float32, m int) []float32 {
	out := make([]float32, k*m)
	for i := range n {
		bRow := b[i*m : (i+1)*m]
		for p := range k {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			row := out[p*m : (p+1)*m]
			for j, bv := range bRow {
				row[j] += av * bv
			}
		}
	}
	return out
}

// flatRows returns the number of rows of x seen as [rows, features], checking the feature dimension.
func flatRows(x *tensors.Tensor, features int) (int, error) {
	if x.DType() == dtypes.Int32 || x.Rank() < 1 || x.Dim(-1) != features {
		return 0, errors.Errorf("expected float activations with %d features, got %s", features, x)
	}
	return x.Size() / features, nil
}

// withLastDim returns the dimensions of x with the last axis replaced by dim.
func withLastDim(x *tensors.Tensor, dim int) []int {
	dims := x.Dimensions()
	dims[len(dims)-1] = dim
	return dims
}

// normalInit returns rows*cols values from a normal distribution with the given standard deviation.
func normalInit(rng *rand.Rand, rows, cols int, stddev float64) *tensors.Tensor {
	values := make([]float32, rows*cols)
	for ii := range values {
		values[ii] = float32(rng.NormFloat64() * stddev)
	}
	return tensors.FromFlatData(values, rows, cols)
}
