package autodiff

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

func denseData(m *mat.Dense) *Tensor {
	r, c := m.Dims()
	raw := m.RawMatrix()
	if raw.Stride == c {
		return &Tensor{Shape: []int{r, c}, Data: raw.Data[:r*c]}
	}
	return FromDense(m)
}

func mul(a, b mat.Matrix) *Tensor {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	out := mat.NewDense(ar, bc, nil)
	out.Mul(a, b)
	return denseData(out)
}

func must2D(op string, vs ...*Var) {
	for _, v := range vs {
		if v.value.Rank() != 2 {
			panic(fmt.Sprintf("autodiff: %s needs 2-D operands, got %v", op, v.value.Shape))
		}
	}
}

// MatMul returns a·b for 2-D a [n,k] and b [k,m].
func MatMul(a, b *Var) *Var {
	must2D("MatMul", a, b)
	if a.value.Shape[1] != b.value.Shape[0] {
		panic(fmt.Sprintf("autodiff: MatMul %v x %v", a.value.Shape, b.value.Shape))
	}
	out := mul(a.value.Matrix(), b.value.Matrix())
	return a.tape.record(out, []*Var{a, b}, func(g *Tensor) {
		if a.needsGrad {
			accumulate(a, mul(g.Matrix(), b.value.Matrix().T()))
		}
		if b.needsGrad {
			accumulate(b, mul(a.value.Matrix().T(), g.Matrix()))
		}
	})
}

// Transpose swaps the axes of a 2-D var.
func Transpose(a *Var) *Var {
	must2D("Transpose", a)
	out := FromDense(a.value.Matrix().T())
	return a.tape.record(out, []*Var{a}, func(g *Tensor) {
		accumulate(a, FromDense(g.Matrix().T()))
	})
}

// AddScaledIdentity returns a + s·I for a square a and scalar s.
func AddScaledIdentity(a, s *Var) *Var {
	must2D("AddScaledIdentity", a)
	n := a.value.Shape[0]
	if a.value.Shape[1] != n {
		panic(fmt.Sprintf("autodiff: AddScaledIdentity on non-square %v", a.value.Shape))
	}
	if s.value.Size() != 1 {
		panic("autodiff: AddScaledIdentity needs a scalar")
	}
	out := a.value.Clone()
	lambda := s.value.Data[0]
	for i := 0; i < n; i++ {
		out.Data[i*n+i] += lambda
	}
	return a.tape.record(out, []*Var{a, s}, func(g *Tensor) {
		accumulate(a, g)
		if s.needsGrad {
			var tr float64
			for i := 0; i < n; i++ {
				tr += g.Data[i*n+i]
			}
			accumulate(s, Scalar(tr))
		}
	})
}

// Inverse returns a⁻¹. Singular or ill-conditioned input, as judged by
// gonum's LU condition estimate, and non-finite results are reported as
// *NumericalError.
//
// With B = A⁻¹ the gradient is dL/dA = -Bᵀ (dL/dB) Bᵀ.
func Inverse(a *Var) (*Var, error) {
	must2D("Inverse", a)
	if a.value.Shape[0] != a.value.Shape[1] {
		panic(fmt.Sprintf("autodiff: Inverse on non-square %v", a.value.Shape))
	}
	if !a.value.Finite() {
		return nil, &NumericalError{Op: "inverse", Reason: "non-finite input matrix"}
	}
	var inv mat.Dense
	if err := inv.Inverse(a.value.Matrix()); err != nil {
		ne := &NumericalError{Op: "inverse", Reason: "matrix is singular or ill-conditioned", Err: err}
		var cond mat.Condition
		if errors.As(err, &cond) {
			ne.Condition = float64(cond)
		} else {
			ne.Condition = math.Inf(1)
		}
		return nil, ne
	}
	out := denseData(&inv)
	if !out.Finite() {
		return nil, &NumericalError{Op: "inverse", Reason: "inverse has non-finite entries"}
	}
	return a.tape.record(out, []*Var{a}, func(g *Tensor) {
		bt := out.Matrix().T()
		ga := mul(mul(bt, g.Matrix()).Matrix(), bt)
		for i := range ga.Data {
			ga.Data[i] = -ga.Data[i]
		}
		accumulate(a, ga)
	}), nil
}

// Eye returns an n×n identity tensor.
func Eye(n int) *Tensor {
	t := Zeros(n, n)
	for i := 0; i < n; i++ {
		t.Data[i*n+i] = 1
	}
	return t
}
