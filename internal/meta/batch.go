package meta

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"ridge-forge/internal/autodiff"
	"ridge-forge/internal/model"
)

// BatchResult aggregates the tasks of one meta-batch. Means are over tasks.
// Gradients is the gradient of the mean objective; nil in ModeEval.
type BatchResult struct {
	Tasks           []*TaskResult
	SupportLoss     float64
	QueryLoss       float64
	SupportAccuracy float64
	QueryAccuracy   float64
	Gradients       map[string]*autodiff.Tensor
}

// Orchestrator maps the adapter over a meta-batch in parallel.
type Orchestrator struct {
	adapter     *Adapter
	parallelism int
	seed        int64
}

// NewOrchestrator runs at most parallelism tasks at once (1 if <= 0).
func NewOrchestrator(adapter *Adapter, parallelism int, seed int64) *Orchestrator {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Orchestrator{adapter: adapter, parallelism: parallelism, seed: seed}
}

// Run adapts every task of batch against set. The first task error cancels
// the rest and is returned wrapped with the task index; no partial result is
// produced. Reductions run in task order after all tasks finished, so the
// result does not depend on scheduling.
func (o *Orchestrator) Run(ctx context.Context, batch model.TaskBatch, set model.ParameterSet, mode Mode, iteration int) (*BatchResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	n := batch.Len()
	results := make([]*TaskResult, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			task := batch.Task(i)
			res, err := o.adapter.Run(task, set, mode, TaskRNG(o.seed, iteration, task.Fingerprint()))
			if err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reduce(results, mode != ModeEval), nil
}

// TaskRNG returns the random source for one task of one iteration. The task
// is named by its fingerprint, not its position, so reordering a batch
// leaves every task's dropout masks unchanged.
func TaskRNG(seed int64, iteration int, task uint64) *rand.Rand {
	h := uint64(seed)
	h = splitmix(h ^ uint64(iteration))
	h = splitmix(h ^ task)
	return rand.New(rand.NewSource(int64(h)))
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func reduce(results []*TaskResult, withGrads bool) *BatchResult {
	out := &BatchResult{Tasks: results}
	inv := 1 / float64(len(results))
	for _, r := range results {
		out.SupportLoss += r.SupportLoss
		out.QueryLoss += r.QueryLoss
		out.SupportAccuracy += r.SupportAccuracy
		out.QueryAccuracy += r.QueryAccuracy
	}
	out.SupportLoss *= inv
	out.QueryLoss *= inv
	out.SupportAccuracy *= inv
	out.QueryAccuracy *= inv
	if withGrads {
		out.Gradients = meanGradients(results, inv)
	}
	return out
}

// meanGradients averages per-task gradients. A parameter missing from a
// task's map contributes zero for that task.
func meanGradients(results []*TaskResult, inv float64) map[string]*autodiff.Tensor {
	mean := make(map[string]*autodiff.Tensor)
	for _, r := range results {
		for name, g := range r.Gradients {
			acc, ok := mean[name]
			if !ok {
				acc = autodiff.Zeros(g.Shape...)
				mean[name] = acc
			}
			floats.Add(acc.Data, g.Data)
		}
	}
	for _, acc := range mean {
		floats.Scale(inv, acc.Data)
	}
	return mean
}
