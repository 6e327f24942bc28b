// Package autodiff is a small reverse-mode automatic differentiation runtime.
//
// Operations are recorded on a Tape as they execute. Backward walks the tape
// in reverse and accumulates gradients into every parameter leaf that the
// loss depends on. A Tape belongs to one goroutine; the tensors bound as
// parameters may be shared read-only between tapes.
package autodiff

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Var is a node on a Tape.
type Var struct {
	tape      *Tape
	value     *Tensor
	grad      *Tensor
	name      string
	needsGrad bool
	backward  func(g *Tensor)
}

// Value returns the forward value.
func (v *Var) Value() *Tensor { return v.value }

// Shape returns the shape of the forward value.
func (v *Var) Shape() []int { return v.value.Shape }

// Name is set for parameter leaves only.
func (v *Var) Name() string { return v.name }

// RequiresGrad reports whether gradient can reach any parameter through v.
func (v *Var) RequiresGrad() bool { return v.needsGrad }

// Tape records operations for one forward pass.
type Tape struct {
	nodes  []*Var
	params []*Var
	names  map[string]struct{}
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{names: make(map[string]struct{})}
}

// Param binds t as a differentiable leaf. The tape never writes to t.
func (tp *Tape) Param(name string, t *Tensor) *Var {
	if _, dup := tp.names[name]; dup {
		panic(fmt.Sprintf("autodiff: parameter %q bound twice", name))
	}
	tp.names[name] = struct{}{}
	v := &Var{tape: tp, value: t, name: name, needsGrad: true}
	tp.nodes = append(tp.nodes, v)
	tp.params = append(tp.params, v)
	return v
}

// Const records a value that never receives gradient.
func (tp *Tape) Const(t *Tensor) *Var {
	v := &Var{tape: tp, value: t}
	tp.nodes = append(tp.nodes, v)
	return v
}

// Len is the number of recorded nodes.
func (tp *Tape) Len() int { return len(tp.nodes) }

// record appends an op result. backward receives the output gradient and
// must push input gradients with accumulate; it is dropped when no input
// needs gradient.
func (tp *Tape) record(value *Tensor, inputs []*Var, backward func(g *Tensor)) *Var {
	v := &Var{tape: tp, value: value}
	for _, in := range inputs {
		if in.tape != tp {
			panic("autodiff: mixing vars from different tapes")
		}
		if in.needsGrad {
			v.needsGrad = true
		}
	}
	if v.needsGrad {
		v.backward = backward
	}
	tp.nodes = append(tp.nodes, v)
	return v
}

// accumulate adds g into v's gradient buffer.
func accumulate(v *Var, g *Tensor) {
	if !v.needsGrad {
		return
	}
	if v.grad == nil {
		v.grad = Zeros(v.value.Shape...)
	}
	floats.Add(v.grad.Data, g.Data)
}

// ErrNotScalar is returned when Backward is asked to differentiate a
// non-scalar value.
var ErrNotScalar = errors.New("autodiff: backward needs a scalar loss")

// Backward differentiates loss with respect to every parameter bound on the
// tape. Parameters the loss does not depend on are absent from the result.
func (tp *Tape) Backward(loss *Var) (map[string]*Tensor, error) {
	if loss.tape != tp {
		return nil, errors.New("autodiff: loss recorded on another tape")
	}
	if loss.value.Size() != 1 {
		return nil, fmt.Errorf("%w: shape %v", ErrNotScalar, loss.value.Shape)
	}
	for _, n := range tp.nodes {
		n.grad = nil
	}
	grads := make(map[string]*Tensor)
	if !loss.needsGrad {
		return grads, nil
	}
	loss.grad = Full(1, loss.value.Shape...)

	// Nodes are appended after their inputs, so reverse order is a valid
	// reverse topological order.
	for i := len(tp.nodes) - 1; i >= 0; i-- {
		n := tp.nodes[i]
		if n.grad == nil || n.backward == nil {
			continue
		}
		n.backward(n.grad)
	}
	for _, p := range tp.params {
		if p.grad != nil {
			grads[p.name] = p.grad
		}
	}
	return grads, nil
}
