/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

func (t *Tensor) mustSameShape(op string, other *Tensor) {
	if !t.SameShape(other) {
		exceptions.Panicf("tensors: %s requires equal shapes, got %s%v and %s%v",
			op, t.dtype, t.dimensions, other.dtype, other.dimensions)
	}
}

// CopyFrom overwrites the values of t with the values of other, which must have the same shape.
func (t *Tensor) CopyFrom(other *Tensor) {
	t.mustSameShape("CopyFrom", other)
	copy(t.floats, other.floats)
	copy(t.ints, other.ints)
}

// AddInPlace adds other to t element-wise.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.mustSameShape("AddInPlace", other)
	for ii, v := range other.floats {
		t.floats[ii] += v
	}
	for ii, v := range other.ints {
		t.ints[ii] += v
	}
	t.Round()
}

// ScaleInPlace multiplies every value of a float tensor by factor.
func (t *Tensor) ScaleInPlace(factor float32) {
	if t.dtype == dtypes.Int32 {
		exceptions.Panicf("tensors: ScaleInPlace called on %s tensor", t.dtype)
	}
	for ii := range t.floats {
		t.floats[ii] *= factor
	}
	t.Round()
}

// Fill sets all float values to v.
func (t *Tensor) Fill(v float32) {
	for ii := range t.floats {
		t.floats[ii] = v
	}
	t.Round()
}

// strides returns the number of "outer" blocks before axis, and the "inner" block size after axis.
func (t *Tensor) strides(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for ii, dim := range t.dimensions {
		switch {
		case ii < axis:
			outer *= dim
		case ii > axis:
			inner *= dim
		}
	}
	return
}

// Slice returns a copy of the range [start, end) along axis. Negative axes count from the end.
func (t *Tensor) Slice(axis, start, end int) *Tensor {
	axis = t.normalizeAxis(axis)
	dim := t.dimensions[axis]
	if start < 0 || end > dim || start > end {
		exceptions.Panicf("tensors: invalid slice [%d, %d) of axis %d with dimension %d", start, end, axis, dim)
	}
	dims := slices.Clone(t.dimensions)
	dims[axis] = end - start
	result := Zeros(t.dtype, dims...)
	outer, inner := t.strides(axis)
	width := (end - start) * inner
	for o := range outer {
		from := (o*dim + start) * inner
		to := o * width
		if t.dtype == dtypes.Int32 {
			copy(result.ints[to:to+width], t.ints[from:from+width])
		} else {
			copy(result.floats[to:to+width], t.floats[from:from+width])
		}
	}
	return result
}

// Split splits t into n equal parts along axis. The dimension of axis must be divisible by n.
func (t *Tensor) Split(axis, n int) []*Tensor {
	axis = t.normalizeAxis(axis)
	dim := t.dimensions[axis]
	if n <= 0 || dim%n != 0 {
		exceptions.Panicf("tensors: cannot split dimension %d of axis %d in %d parts", dim, axis, n)
	}
	step := dim / n
	parts := make([]*Tensor, n)
	for ii := range parts {
		parts[ii] = t.Slice(axis, ii*step, (ii+1)*step)
	}
	return parts
}

// Concatenate concatenates tensors along axis. All other dimensions and the dtype must match.
func Concatenate(axis int, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensors: Concatenate requires at least one tensor")
	}
	first := parts[0]
	axis = first.normalizeAxis(axis)
	dims := slices.Clone(first.dimensions)
	dims[axis] = 0
	for ii, p := range parts {
		if p.dtype != first.dtype || p.Rank() != first.Rank() {
			exceptions.Panicf("tensors: Concatenate part #%d is %s%v, expected %s of rank %d",
				ii, p.dtype, p.dimensions, first.dtype, first.Rank())
		}
		for a, d := range p.dimensions {
			if a != axis && d != first.dimensions[a] {
				exceptions.Panicf("tensors: Concatenate part #%d has dimensions %v incompatible with %v on axis %d",
					ii, p.dimensions, first.dimensions, axis)
			}
		}
		dims[axis] += p.dimensions[axis]
	}
	result := Zeros(first.dtype, dims...)
	outer, _ := result.strides(axis)
	to := 0
	for o := range outer {
		for _, p := range parts {
			_, inner := p.strides(axis)
			width := p.dimensions[axis] * inner
			from := o * width
			if p.dtype == dtypes.Int32 {
				copy(result.ints[to:to+width], p.ints[from:from+width])
			} else {
				copy(result.floats[to:to+width], p.floats[from:from+width])
			}
			to += width
		}
	}
	return result
}

// LastColumns returns the last n positions along axis 1 of a rank-2 tensor (e.g. the last token of ids
// shaped [batch, sequence]). If the tensor has fewer than n positions, a clone is returned.
func (t *Tensor) LastColumns(n int) *Tensor {
	if t.Rank() != 2 {
		exceptions.Panicf("tensors: LastColumns requires a rank-2 tensor, got %v", t.dimensions)
	}
	width := t.dimensions[1]
	if width <= n {
		return t.Clone()
	}
	return t.Slice(1, width-n, width)
}

// AppendColumn returns a copy of the rank-2 Int32 tensor with one extra column holding values (one per row).
func (t *Tensor) AppendColumn(values []int32) *Tensor {
	if t.Rank() != 2 || t.dtype != dtypes.Int32 || len(values) != t.dimensions[0] {
		exceptions.Panicf("tensors: AppendColumn of %d values to %s%v", len(values), t.dtype, t.dimensions)
	}
	return Concatenate(1, t, FromFlatData(values, len(values), 1))
}

// Rows returns the rows of a rank-2 Int32 tensor as Go slices.
func (t *Tensor) Rows() [][]int32 {
	if t.Rank() != 2 || t.dtype != dtypes.Int32 {
		exceptions.Panicf("tensors: Rows requires a rank-2 Int32 tensor, got %s%v", t.dtype, t.dimensions)
	}
	rows := make([][]int32, t.dimensions[0])
	width := t.dimensions[1]
	for ii := range rows {
		rows[ii] = slices.Clone(t.ints[ii*width : (ii+1)*width])
	}
	return rows
}
