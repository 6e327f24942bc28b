package meta

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"pgregory.net/rapid"

	"ridge-forge/internal/autodiff"
	"ridge-forge/internal/model"
)

func linearBatch(t require.TestingT, n int, seed uint64) model.TaskBatch {
	var b model.TaskBatch
	for i := 0; i < n; i++ {
		task := linearTask(t, seed+uint64(i))
		task.Index = i
		b.Append(task)
	}
	return b
}

func requireGradsClose(t require.TestingT, want, got map[string]*autodiff.Tensor, tol float64) {
	require.Equal(t, len(want), len(got))
	for name, w := range want {
		g, ok := got[name]
		require.True(t, ok, "missing gradient %s", name)
		for i := range w.Data {
			require.InDelta(t, w.Data[i], g.Data[i], tol*math.Max(1, math.Abs(w.Data[i])), "%s[%d]", name, i)
		}
	}
}

func TestBatchOrderInvariance(t *testing.T) {
	arch := regressionArch()
	set := model.NewStore(arch, 7).GetOrCreate()
	orch := NewOrchestrator(NewAdapter(arch, AdapterOptions{BackpropThroughSolver: true}), 3, 11)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "tasks")
		batch := linearBatch(rt, n, rapid.Uint64Range(0, 1000).Draw(rt, "seed"))
		order := rapid.Permutation(identity(n)).Draw(rt, "order")

		base, err := orch.Run(context.Background(), batch, set, ModeTrain, 0)
		require.NoError(rt, err)
		perm, err := orch.Run(context.Background(), batch.Permute(order), set, ModeTrain, 0)
		require.NoError(rt, err)

		require.InDelta(rt, base.QueryLoss, perm.QueryLoss, 1e-12)
		require.InDelta(rt, base.SupportLoss, perm.SupportLoss, 1e-12)
		requireGradsClose(rt, base.Gradients, perm.Gradients, 1e-10)
		for i, j := range order {
			require.Equal(rt, base.Tasks[j].QueryLoss, perm.Tasks[i].QueryLoss)
		}
	})
}

func TestBatchOrderInvarianceWithDropout(t *testing.T) {
	arch := tinyConvArch()
	arch.Dropout = 0.3
	set := model.NewStore(arch, 2).GetOrCreate()
	orch := NewOrchestrator(NewAdapter(arch, AdapterOptions{Classification: true, UpdateBatchSize: 2, BackpropThroughSolver: true}), 2, 5)

	var batch model.TaskBatch
	for i := 0; i < 4; i++ {
		batch.Append(prototypeTask(t, uint64(40+i)))
	}
	order := []int{3, 2, 1, 0}

	base, err := orch.Run(context.Background(), batch, set, ModeTrain, 1)
	require.NoError(t, err)
	perm, err := orch.Run(context.Background(), batch.Permute(order), set, ModeTrain, 1)
	require.NoError(t, err)

	for i, j := range order {
		assert.Equal(t, base.Tasks[j].QueryLoss, perm.Tasks[i].QueryLoss, "task %d", j)
		assert.Equal(t, base.Tasks[j].QueryOutput.Data, perm.Tasks[i].QueryOutput.Data, "task %d", j)
	}
	assert.InDelta(t, base.QueryLoss, perm.QueryLoss, 1e-12)
	requireGradsClose(t, base.Gradients, perm.Gradients, 1e-10)
}

func TestBatchParallelismInvariance(t *testing.T) {
	arch := tinyConvArch()
	arch.Dropout = 0.3
	set := model.NewStore(arch, 2).GetOrCreate()
	adapter := NewAdapter(arch, AdapterOptions{Classification: true, UpdateBatchSize: 2, BackpropThroughSolver: true})

	var batch model.TaskBatch
	for i := 0; i < 5; i++ {
		task := prototypeTask(t, uint64(100+i))
		task.Index = i
		batch.Append(task)
	}

	var results []*BatchResult
	for _, p := range []int{1, 2, 8} {
		res, err := NewOrchestrator(adapter, p, 4).Run(context.Background(), batch, set, ModeTrain, 3)
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0].QueryLoss, r.QueryLoss)
		assert.Equal(t, results[0].QueryAccuracy, r.QueryAccuracy)
		assert.Equal(t, results[0].Gradients, r.Gradients, "reduction order is fixed, so results are bit-identical")
	}
}

func TestBatchMeanOfGradients(t *testing.T) {
	arch := regressionArch()
	set := model.NewStore(arch, 1).GetOrCreate()
	adapter := NewAdapter(arch, AdapterOptions{BackpropThroughSolver: true})
	batch := linearBatch(t, 4, 20)

	res, err := NewOrchestrator(adapter, 4, 1).Run(context.Background(), batch, set, ModeTrain, 0)
	require.NoError(t, err)

	want := map[string]*autodiff.Tensor{}
	var loss float64
	for i := 0; i < batch.Len(); i++ {
		r, err := adapter.Run(batch.Task(i), set, ModeTrain, nil)
		require.NoError(t, err)
		loss += r.QueryLoss / 4
		for name, g := range r.Gradients {
			if _, ok := want[name]; !ok {
				want[name] = autodiff.Zeros(g.Shape...)
			}
			floats.AddScaled(want[name].Data, 0.25, g.Data)
		}
	}
	assert.InDelta(t, loss, res.QueryLoss, 1e-12)
	requireGradsClose(t, want, res.Gradients, 1e-12)
}

func TestBatchEvalHasNoGradients(t *testing.T) {
	arch := regressionArch()
	set := model.NewStore(arch, 1).GetOrCreate()
	res, err := NewOrchestrator(NewAdapter(arch, AdapterOptions{}), 2, 1).Run(context.Background(), linearBatch(t, 3, 5), set, ModeEval, 0)
	require.NoError(t, err)
	assert.Nil(t, res.Gradients)
	assert.Len(t, res.Tasks, 3)
}

func TestBatchTaskErrorAbortsBatch(t *testing.T) {
	arch := regressionArch()
	set := model.NewStore(arch, 1).GetOrCreate()
	batch := linearBatch(t, 4, 1)
	batch.QueryX[2] = autodiff.Zeros(6, 3)

	res, err := NewOrchestrator(NewAdapter(arch, AdapterOptions{}), 2, 1).Run(context.Background(), batch, set, ModeTrain, 0)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "task 2")
	var se *model.ShapeError
	assert.True(t, errors.As(err, &se))
}

func TestBatchRejectsUnalignedBatch(t *testing.T) {
	arch := regressionArch()
	set := model.NewStore(arch, 1).GetOrCreate()
	batch := linearBatch(t, 3, 1)
	batch.QueryY = batch.QueryY[:2]

	_, err := NewOrchestrator(NewAdapter(arch, AdapterOptions{}), 2, 1).Run(context.Background(), batch, set, ModeEval, 0)
	var se *model.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "batch", se.Field)
}

func TestBatchHonoursCancelledContext(t *testing.T) {
	arch := regressionArch()
	set := model.NewStore(arch, 1).GetOrCreate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOrchestrator(NewAdapter(arch, AdapterOptions{}), 1, 1).Run(ctx, linearBatch(t, 3, 1), set, ModeEval, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTaskRNGIsDeterministic(t *testing.T) {
	a := TaskRNG(1, 2, 3).Int63()
	assert.Equal(t, a, TaskRNG(1, 2, 3).Int63())
	assert.NotEqual(t, a, TaskRNG(1, 2, 4).Int63())
	assert.NotEqual(t, a, TaskRNG(1, 3, 3).Int63())
	assert.NotEqual(t, a, TaskRNG(2, 2, 3).Int63())
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
