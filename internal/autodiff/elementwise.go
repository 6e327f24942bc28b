package autodiff

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

func mustSameShape(op string, a, b *Var) {
	if !SameShape(a.value, b.value) {
		panic(fmt.Sprintf("autodiff: %s shape mismatch %v vs %v", op, a.value.Shape, b.value.Shape))
	}
}

func mustScalar(op string, s *Var) {
	if s.value.Size() != 1 {
		panic(fmt.Sprintf("autodiff: %s needs a scalar, got %v", op, s.value.Shape))
	}
}

// Add returns a + b for equally shaped operands.
func Add(a, b *Var) *Var {
	mustSameShape("Add", a, b)
	out := a.value.Clone()
	floats.Add(out.Data, b.value.Data)
	return a.tape.record(out, []*Var{a, b}, func(g *Tensor) {
		accumulate(a, g)
		accumulate(b, g)
	})
}

// Sub returns a - b for equally shaped operands.
func Sub(a, b *Var) *Var {
	mustSameShape("Sub", a, b)
	out := a.value.Clone()
	floats.Sub(out.Data, b.value.Data)
	return a.tape.record(out, []*Var{a, b}, func(g *Tensor) {
		accumulate(a, g)
		if b.needsGrad {
			neg := g.Clone()
			floats.Scale(-1, neg.Data)
			accumulate(b, neg)
		}
	})
}

// ScaleBy multiplies every element of a by the scalar var s.
func ScaleBy(s, a *Var) *Var {
	mustScalar("ScaleBy", s)
	k := s.value.Data[0]
	out := a.value.Clone()
	floats.Scale(k, out.Data)
	return a.tape.record(out, []*Var{s, a}, func(g *Tensor) {
		if s.needsGrad {
			accumulate(s, Scalar(floats.Dot(g.Data, a.value.Data)))
		}
		if a.needsGrad {
			ga := g.Clone()
			floats.Scale(k, ga.Data)
			accumulate(a, ga)
		}
	})
}

// AddScalar adds the scalar var s to every element of a.
func AddScalar(a, s *Var) *Var {
	mustScalar("AddScalar", s)
	out := a.value.Clone()
	floats.AddConst(s.value.Data[0], out.Data)
	return a.tape.record(out, []*Var{a, s}, func(g *Tensor) {
		accumulate(a, g)
		if s.needsGrad {
			accumulate(s, Scalar(floats.Sum(g.Data)))
		}
	})
}

// LeakyReLU returns max(x, slope·x). A zero slope is a plain ReLU.
func LeakyReLU(a *Var, slope float64) *Var {
	out := a.value.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = slope * v
		}
	}
	return a.tape.record(out, []*Var{a}, func(g *Tensor) {
		ga := g.Clone()
		for i, v := range a.value.Data {
			if v < 0 {
				ga.Data[i] *= slope
			}
		}
		accumulate(a, ga)
	})
}

// Dropout zeroes each element with probability rate and scales survivors by
// 1/(1-rate). rate <= 0 returns a unchanged.
func Dropout(a *Var, rate float64, rng *rand.Rand) *Var {
	if rate <= 0 {
		return a
	}
	if rate >= 1 {
		panic("autodiff: dropout rate must be < 1")
	}
	keep := 1 / (1 - rate)
	mask := make([]float64, a.value.Size())
	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	out := a.value.Clone()
	floats.Mul(out.Data, mask)
	return a.tape.record(out, []*Var{a}, func(g *Tensor) {
		ga := g.Clone()
		floats.Mul(ga.Data, mask)
		accumulate(a, ga)
	})
}

// StopGradient returns a var with a's value that blocks gradient flow.
func StopGradient(a *Var) *Var {
	return a.tape.Const(a.value)
}

// Reshape reinterprets a with a new shape of the same size.
func Reshape(a *Var, shape ...int) *Var {
	if sizeOf(shape) != a.value.Size() {
		panic(fmt.Sprintf("autodiff: cannot reshape %v to %v", a.value.Shape, shape))
	}
	out := &Tensor{Shape: append([]int(nil), shape...), Data: a.value.Data}
	return a.tape.record(out, []*Var{a}, func(g *Tensor) {
		accumulate(a, &Tensor{Shape: a.value.Shape, Data: g.Data})
	})
}

// Flatten collapses every axis after the first.
func Flatten(a *Var) *Var {
	n := a.value.Shape[0]
	return Reshape(a, n, a.value.Size()/n)
}

// ConcatCols joins 2-D vars with equal row counts along axis 1.
func ConcatCols(vs ...*Var) *Var {
	must2D("ConcatCols", vs...)
	rows := vs[0].value.Shape[0]
	total := 0
	for _, v := range vs {
		if v.value.Shape[0] != rows {
			panic("autodiff: ConcatCols row mismatch")
		}
		total += v.value.Shape[1]
	}
	out := Zeros(rows, total)
	off := 0
	for _, v := range vs {
		c := v.value.Shape[1]
		for r := 0; r < rows; r++ {
			copy(out.Data[r*total+off:r*total+off+c], v.value.Data[r*c:(r+1)*c])
		}
		off += c
	}
	return vs[0].tape.record(out, vs, func(g *Tensor) {
		off := 0
		for _, v := range vs {
			c := v.value.Shape[1]
			if v.needsGrad {
				gv := Zeros(rows, c)
				for r := 0; r < rows; r++ {
					copy(gv.Data[r*c:(r+1)*c], g.Data[r*total+off:r*total+off+c])
				}
				accumulate(v, gv)
			}
			off += c
		}
	})
}

// BiasAdd adds b [C] along the last axis of a.
func BiasAdd(a, b *Var) *Var {
	c := a.value.Dim(-1)
	if b.value.Size() != c {
		panic(fmt.Sprintf("autodiff: BiasAdd bias %v on %v", b.value.Shape, a.value.Shape))
	}
	out := a.value.Clone()
	for i := range out.Data {
		out.Data[i] += b.value.Data[i%c]
	}
	return a.tape.record(out, []*Var{a, b}, func(g *Tensor) {
		accumulate(a, g)
		if b.needsGrad {
			gb := Zeros(c)
			for i, v := range g.Data {
				gb.Data[i%c] += v
			}
			accumulate(b, gb)
		}
	})
}
