package model

import (
	"fmt"
	"math"

	"ridge-forge/internal/autodiff"
)

// Solve fits ridge-regression weights W [d, o] to embeddings x [n, d] and
// labels y [n, o] in closed form:
//
//	W = Xᵀ (X Xᵀ + λI)⁻¹ Y      when n < d (Woodbury, n×n system)
//	W = (XᵀX + λI)⁻¹ Xᵀ Y       otherwise (d×d system)
//
// Both forms are equal for λ > 0; the smaller system is inverted. λ must be
// a finite scalar >= 0. With backprop unset the solve is computed on detached
// inputs, so no gradient reaches x or λ through W.
func Solve(x, y, lambda *autodiff.Var, backprop bool) (*autodiff.Var, error) {
	xs, ys := x.Shape(), y.Shape()
	if len(xs) != 2 || len(ys) != 2 || xs[0] != ys[0] {
		return nil, &ShapeError{Task: -1, Field: "solve", Reason: fmt.Sprintf("embeddings %v labels %v", xs, ys)}
	}
	if lambda.Value().Size() != 1 {
		return nil, &ShapeError{Task: -1, Field: "solve", Reason: fmt.Sprintf("lambda must be a scalar, got %v", lambda.Shape())}
	}
	l := lambda.Value().Item()
	if math.IsNaN(l) || math.IsInf(l, 0) {
		return nil, &autodiff.NumericalError{Op: "solve", Reason: fmt.Sprintf("lambda is %v", l)}
	}
	if l < 0 {
		return nil, &autodiff.NumericalError{Op: "solve", Reason: fmt.Sprintf("lambda %g is negative", l)}
	}
	if !backprop {
		x = autodiff.StopGradient(x)
		lambda = autodiff.StopGradient(lambda)
	}

	n, d := xs[0], xs[1]
	xt := autodiff.Transpose(x)
	if n < d {
		inv, err := autodiff.Inverse(autodiff.AddScaledIdentity(autodiff.MatMul(x, xt), lambda))
		if err != nil {
			return nil, fmt.Errorf("ridge solve (n=%d d=%d lambda=%g): %w", n, d, l, err)
		}
		return autodiff.MatMul(autodiff.MatMul(xt, inv), y), nil
	}
	inv, err := autodiff.Inverse(autodiff.AddScaledIdentity(autodiff.MatMul(xt, x), lambda))
	if err != nil {
		return nil, fmt.Errorf("ridge solve (n=%d d=%d lambda=%g): %w", n, d, l, err)
	}
	return autodiff.MatMul(inv, autodiff.MatMul(xt, y)), nil
}

// Predict applies the head: alpha·(emb·W) + beta.
func Predict(emb *autodiff.Var, b *Bound) (*autodiff.Var, error) {
	es, ws := emb.Shape(), b.W.Shape()
	if len(es) != 2 || es[1] != ws[0] {
		return nil, &ShapeError{Task: -1, Field: "predict", Reason: fmt.Sprintf("embeddings %v weights %v", es, ws)}
	}
	return autodiff.AddScalar(autodiff.ScaleBy(b.Alpha, autodiff.MatMul(emb, b.W)), b.Beta), nil
}
