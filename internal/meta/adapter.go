// Package meta runs R2D2 meta-learning: per-task closed-form adaptation,
// parallel meta-batches, and the outer Adam update of the shared parameters.
package meta

import (
	"fmt"
	"math"
	"math/rand"

	"ridge-forge/internal/autodiff"
	"ridge-forge/internal/model"
)

// Mode selects which objective a task is differentiated against.
type Mode int

const (
	// ModeTrain differentiates the post-adaptation query loss.
	ModeTrain Mode = iota
	// ModePretrain differentiates the pre-adaptation support loss.
	ModePretrain
	// ModeEval computes losses and accuracies only.
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModePretrain:
		return "pretrain"
	case ModeEval:
		return "eval"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// TaskResult is the outcome of adapting to one task. Accuracies are zero for
// regression. Gradients is nil in ModeEval.
type TaskResult struct {
	Index           int
	SupportOutput   *autodiff.Tensor
	QueryOutput     *autodiff.Tensor
	SupportLoss     float64
	QueryLoss       float64
	SupportAccuracy float64
	QueryAccuracy   float64
	Gradients       map[string]*autodiff.Tensor
}

// AdapterOptions configure an Adapter.
type AdapterOptions struct {
	// Classification selects softmax cross-entropy and accuracy over MSE.
	Classification bool
	// UpdateBatchSize (k-shot) normalizes the summed cross-entropy.
	UpdateBatchSize int
	// BackpropThroughSolver lets gradient flow through the ridge solve.
	BackpropThroughSolver bool
}

// Adapter adapts the shared parameters to a single task. It is stateless
// and safe for concurrent use.
type Adapter struct {
	extractor *model.Extractor
	opts      AdapterOptions
}

// NewAdapter returns an adapter for arch.
func NewAdapter(arch model.Architecture, opts AdapterOptions) *Adapter {
	if opts.UpdateBatchSize <= 0 {
		opts.UpdateBatchSize = 1
	}
	return &Adapter{extractor: model.NewExtractor(arch), opts: opts}
}

// Run solves the ridge head on the support set and evaluates it on the query
// set, on a tape of its own. The support set is embedded once and reused for
// both the pre-adaptation output and the solve. Dropout, when configured,
// applies to the query embedding outside ModeEval and needs rng.
func (a *Adapter) Run(task model.Task, set model.ParameterSet, mode Mode, rng *rand.Rand) (*TaskResult, error) {
	if err := task.Validate(a.extractor.Architecture()); err != nil {
		return nil, err
	}
	tp := autodiff.NewTape()
	b := model.Bind(tp, set)

	supportEmb, err := a.extractor.Extract(tp.Const(task.SupportX), b, false, nil)
	if err != nil {
		return nil, err
	}
	preOut, err := model.Predict(supportEmb, b)
	if err != nil {
		return nil, err
	}
	preLoss := a.loss(preOut, task.SupportY)

	w, err := model.Solve(supportEmb, tp.Const(task.SupportY), b.Lambda, a.opts.BackpropThroughSolver)
	if err != nil {
		return nil, err
	}
	adapted := b.WithW(w)

	queryEmb, err := a.extractor.Extract(tp.Const(task.QueryX), b, mode != ModeEval, rng)
	if err != nil {
		return nil, err
	}
	postOut, err := model.Predict(queryEmb, adapted)
	if err != nil {
		return nil, err
	}
	postLoss := a.loss(postOut, task.QueryY)

	res := &TaskResult{
		Index:         task.Index,
		SupportOutput: preOut.Value(),
		QueryOutput:   postOut.Value(),
		SupportLoss:   preLoss.Value().Item(),
		QueryLoss:     postLoss.Value().Item(),
	}
	for _, l := range []float64{res.SupportLoss, res.QueryLoss} {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return nil, &autodiff.NumericalError{Op: "loss", Reason: fmt.Sprintf("support %v query %v", res.SupportLoss, res.QueryLoss)}
		}
	}
	if a.opts.Classification {
		res.SupportAccuracy = autodiff.Accuracy(res.SupportOutput, task.SupportY)
		res.QueryAccuracy = autodiff.Accuracy(res.QueryOutput, task.QueryY)
	}

	var objective *autodiff.Var
	switch mode {
	case ModeTrain:
		objective = postLoss
	case ModePretrain:
		objective = preLoss
	default:
		return res, nil
	}
	res.Gradients, err = tp.Backward(objective)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Adapter) loss(pred *autodiff.Var, label *autodiff.Tensor) *autodiff.Var {
	if a.opts.Classification {
		return autodiff.SoftmaxCrossEntropy(pred, label, float64(a.opts.UpdateBatchSize))
	}
	return autodiff.MSE(pred, label)
}
