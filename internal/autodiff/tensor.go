package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major float64 array. Values recorded on a Tape are
// never mutated after the op that produced them returns.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New wraps data with the given shape. It panics if the sizes disagree.
func New(shape []int, data []float64) *Tensor {
	if sizeOf(shape) != len(data) {
		panic(fmt.Sprintf("autodiff: shape %v needs %d values, got %d", shape, sizeOf(shape), len(data)))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Zeros allocates a zero tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, sizeOf(shape))}
}

// Full allocates a tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Scalar returns a tensor of shape [1].
func Scalar(v float64) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float64{v}}
}

// FromDense copies a gonum matrix into a 2-D tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := Zeros(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Data[i*c+j] = m.At(i, j)
		}
	}
	return t
}

// FromRows builds a 2-D tensor from equal-length rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return Zeros(0, 0)
	}
	c := len(rows[0])
	t := Zeros(len(rows), c)
	for i, row := range rows {
		if len(row) != c {
			panic("autodiff: ragged rows")
		}
		copy(t.Data[i*c:], row)
	}
	return t
}

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank is the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i; negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("autodiff: Item on tensor of shape %v", t.Shape))
	}
	return t.Data[0]
}

// Matrix views a 2-D tensor as a gonum matrix sharing the same backing data.
func (t *Tensor) Matrix() *mat.Dense {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("autodiff: Matrix on tensor of shape %v", t.Shape))
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
}

// Finite reports whether every element is neither NaN nor ±Inf.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func sizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
