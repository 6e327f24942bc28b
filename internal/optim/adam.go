// Package optim implements the Adam update used by the meta and pretrain
// optimizers.
//
// Concurrency: an Adam is not goroutine-safe. Callers serialize Step.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas64"
)

// Options are the Adam hyperparameters. Zero values select the usual
// defaults (β1=0.9, β2=0.999, ε=1e-8).
type Options struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
}

// Update is one parameter and its gradient for a Step.
type Update struct {
	Name  string
	Param []float64
	Grad  []float64
}

// Adam keeps per-parameter first and second moments keyed by name and one
// step counter shared by all parameters.
type Adam struct {
	beta1, beta2, eps float64

	t        int64
	powBeta1 float64
	powBeta2 float64
	m, v     map[string][]float64
}

// NewAdam validates opts and returns an optimizer with empty state.
func NewAdam(opts Options) (*Adam, error) {
	a := &Adam{
		beta1:    ifPositiveOr(opts.Beta1, 0.9),
		beta2:    ifPositiveOr(opts.Beta2, 0.999),
		eps:      ifPositiveOr(opts.Eps, 1e-8),
		powBeta1: 1,
		powBeta2: 1,
		m:        make(map[string][]float64),
		v:        make(map[string][]float64),
	}
	if !(a.beta1 < 1) {
		return nil, errors.New("beta1 must be in [0,1)")
	}
	if !(a.beta2 < 1) {
		return nil, errors.New("beta2 must be in [0,1)")
	}
	return a, nil
}

// CurrentStep returns t (1 after the first Step).
func (a *Adam) CurrentStep() int64 { return a.t }

// Step applies one Adam update with learning rate lr to every entry of
// updates. Parameters not listed keep their values and moments. Nothing is
// written unless every input passes validation.
func (a *Adam) Step(lr float64, updates []Update) error {
	if !(lr > 0) || !isFinite(lr) {
		return fmt.Errorf("learning rate must be finite and > 0 (got %v)", lr)
	}
	for _, u := range updates {
		if len(u.Param) != len(u.Grad) {
			return fmt.Errorf("%s: param has %d values, gradient %d", u.Name, len(u.Param), len(u.Grad))
		}
		if m, ok := a.m[u.Name]; ok && len(m) != len(u.Param) {
			return fmt.Errorf("%s: size changed from %d to %d", u.Name, len(m), len(u.Param))
		}
		for _, g := range u.Grad {
			if !isFinite(g) {
				return fmt.Errorf("%s: non-finite gradient", u.Name)
			}
		}
	}

	a.t++
	a.powBeta1 *= a.beta1
	a.powBeta2 *= a.beta2
	bc1 := 1 - a.powBeta1
	bc2 := 1 - a.powBeta2
	if !(bc1 > 0 && bc2 > 0) {
		return errors.New("invalid bias-correction denominators")
	}
	stepSize := lr * math.Sqrt(bc2) / bc1

	for _, u := range updates {
		m, ok := a.m[u.Name]
		if !ok {
			m = make([]float64, len(u.Param))
			a.m[u.Name] = m
			a.v[u.Name] = make([]float64, len(u.Param))
		}
		v := a.v[u.Name]

		// m = β1·m + (1-β1)·g
		blas64.Scal(a.beta1, toVector(m))
		blas64.Axpy(1-a.beta1, toVector(u.Grad), toVector(m))
		for i, g := range u.Grad {
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			u.Param[i] -= stepSize * m[i] / (math.Sqrt(v[i]) + a.eps)
		}
	}
	return nil
}

// Reset clears moments and the step counter.
func (a *Adam) Reset() {
	a.t = 0
	a.powBeta1, a.powBeta2 = 1, 1
	a.m = make(map[string][]float64)
	a.v = make(map[string][]float64)
}

func toVector(data []float64) blas64.Vector {
	return blas64.Vector{N: len(data), Data: data, Inc: 1}
}

func ifPositiveOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
