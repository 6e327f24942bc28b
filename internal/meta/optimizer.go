package meta

import (
	"fmt"
	"math"

	"ridge-forge/internal/autodiff"
	"ridge-forge/internal/model"
	"ridge-forge/internal/optim"
)

// OptimizerOptions configure a MetaOptimizer.
type OptimizerOptions struct {
	Clip    bool
	ClipMin float64
	ClipMax float64
	// LambdaFloor is the lower bound λ is projected onto after each step.
	LambdaFloor float64
}

// StepStats describe one optimizer step.
type StepStats struct {
	Applied    int
	Dropped    int
	Clipped    int
	MaxAbsGrad float64
}

// MetaOptimizer applies Adam updates to a parameter set. It is not safe for
// concurrent use.
type MetaOptimizer struct {
	adam *optim.Adam
	opts OptimizerOptions
}

// NewMetaOptimizer returns an optimizer with fresh Adam state.
func NewMetaOptimizer(opts OptimizerOptions) (*MetaOptimizer, error) {
	if opts.Clip && !(opts.ClipMin < opts.ClipMax) {
		return nil, fmt.Errorf("clip range [%g, %g] is empty", opts.ClipMin, opts.ClipMax)
	}
	if opts.LambdaFloor < 0 {
		return nil, fmt.Errorf("lambda floor must be >= 0 (got %g)", opts.LambdaFloor)
	}
	adam, err := optim.NewAdam(optim.Options{})
	if err != nil {
		return nil, err
	}
	return &MetaOptimizer{adam: adam, opts: opts}, nil
}

// Step updates set in place with learning rate lr. Parameters without a
// gradient are left untouched. A non-finite gradient fails the step before
// anything is written.
func (o *MetaOptimizer) Step(set model.ParameterSet, grads map[string]*autodiff.Tensor, lr float64) (StepStats, error) {
	var (
		stats   StepStats
		updates []optim.Update
	)
	for _, p := range set.Named() {
		g, ok := grads[p.Name]
		if !ok {
			stats.Dropped++
			continue
		}
		for _, v := range g.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return StepStats{}, &autodiff.NumericalError{Op: "gradient", Reason: fmt.Sprintf("%s is not finite", p.Name)}
			}
			if a := math.Abs(v); a > stats.MaxAbsGrad {
				stats.MaxAbsGrad = a
			}
		}
		data := g.Data
		if o.opts.Clip {
			var n int
			data, n = clip(data, o.opts.ClipMin, o.opts.ClipMax)
			stats.Clipped += n
		}
		updates = append(updates, optim.Update{Name: p.Name, Param: p.Tensor.Data, Grad: data})
	}
	if len(updates) == 0 {
		return stats, nil
	}
	if err := o.adam.Step(lr, updates); err != nil {
		return StepStats{}, fmt.Errorf("adam step: %w", err)
	}
	stats.Applied = len(updates)

	if l := set.Head().Lambda; l.Data[0] < o.opts.LambdaFloor {
		l.Data[0] = o.opts.LambdaFloor
	}
	return stats, nil
}

// ClipGradients returns a copy of grads with every element clipped into
// [lo, hi].
func ClipGradients(grads map[string]*autodiff.Tensor, lo, hi float64) map[string]*autodiff.Tensor {
	out := make(map[string]*autodiff.Tensor, len(grads))
	for name, g := range grads {
		data, _ := clip(g.Data, lo, hi)
		out[name] = autodiff.New(g.Shape, data)
	}
	return out
}

func clip(data []float64, lo, hi float64) ([]float64, int) {
	out := make([]float64, len(data))
	n := 0
	for i, v := range data {
		switch {
		case v < lo:
			out[i] = lo
			n++
		case v > hi:
			out[i] = hi
			n++
		default:
			out[i] = v
		}
	}
	return out, n
}
