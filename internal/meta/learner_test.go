package meta

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"ridge-forge/internal/autodiff"
	"ridge-forge/internal/config"
	"ridge-forge/internal/dataset"
	"ridge-forge/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func batchFrom(t *testing.T, gen dataset.Generator, n int, seed int64) model.TaskBatch {
	t.Helper()
	var b model.TaskBatch
	for i := 0; i < n; i++ {
		task, err := gen.Task(dataset.TaskSeed(seed, 0, i))
		require.NoError(t, err)
		task.Index = i
		b.Append(task)
	}
	return b
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Defaults("imagenet21k")
	_, err := New(cfg, quietLogger())
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "datasource", cerr.Field)
}

func TestArchitectureFor(t *testing.T) {
	mini := config.Defaults(config.MiniImagenet)
	arch, err := ArchitectureFor(mini)
	require.NoError(t, err)
	assert.True(t, arch.Conv)
	assert.Equal(t, []int{96, 192, 384, 512}, arch.Hidden)
	assert.Equal(t, 51200, arch.EmbeddingDim())
	assert.Equal(t, 0.1, arch.Dropout)

	omni := config.Defaults(config.Omniglot)
	omni.Model = config.ModelMAML
	arch, err = ArchitectureFor(omni)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32, 32, 32}, arch.Hidden)
	assert.Equal(t, 5, arch.OutputDim)

	sin := config.Defaults(config.Sinusoid)
	arch, err = ArchitectureFor(sin)
	require.NoError(t, err)
	assert.False(t, arch.Conv)
	assert.Equal(t, []int{40, 40}, arch.Hidden)
	assert.Equal(t, 1, arch.Inputs)
}

func TestLearnerFitsLinearTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("meta-trains for a few hundred steps")
	}
	cfg := config.Defaults(config.Sinusoid)
	cfg.BackpropThroughSolver = true
	l, err := New(cfg, quietLogger())
	require.NoError(t, err)

	gen := dataset.Linear{KShot: 5, NumQuery: 10, Slope: 2, Intercept: 1, Noise: 0.05}
	held := batchFrom(t, gen, 8, 999)
	ctx := context.Background()

	before, err := l.Evaluate(ctx, held)
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		_, err := l.TrainStep(ctx, batchFrom(t, gen, cfg.MetaBatchSize, int64(i)))
		require.NoError(t, err)
	}

	after, err := l.Evaluate(ctx, held)
	require.NoError(t, err)
	assert.Less(t, after.QueryLoss, before.QueryLoss/2, "before %g after %g", before.QueryLoss, after.QueryLoss)
	assert.Less(t, after.QueryLoss, 0.1)
	assert.GreaterOrEqual(t, l.Params().Head().Lambda.Item(), cfg.LambdaFloor)
}

func TestLearnerRidgeBeatsSharedHead(t *testing.T) {
	cfg := config.Defaults(config.Omniglot)
	cfg.Model = config.ModelMAML
	cfg.ImageSize = 16
	cfg.NumQuery = 3
	cfg.BackpropThroughSolver = true
	l, err := New(cfg, quietLogger())
	require.NoError(t, err)

	gen := dataset.Prototypes{NWay: 5, KShot: 1, NumQuery: 3, ImageSize: 16, Channels: 1, Noise: 0.1}
	accuracies := func(offset int64) (pre, post float64) {
		const batches = 10
		for i := int64(0); i < batches; i++ {
			res, err := l.Evaluate(context.Background(), batchFrom(t, gen, 4, offset+i))
			require.NoError(t, err)
			pre += res.SupportAccuracy / batches
			post += res.QueryAccuracy / batches
		}
		return pre, post
	}

	pre, post := accuracies(0)
	assert.GreaterOrEqual(t, post, pre)
	assert.Greater(t, post, 0.2, "better than chance on 5-way tasks")

	for i := int64(0); i < 5; i++ {
		_, err := l.TrainStep(context.Background(), batchFrom(t, gen, 4, 100+i))
		require.NoError(t, err)
	}
	pre, post = accuracies(200)
	assert.GreaterOrEqual(t, post, pre)
	assert.Greater(t, post, 0.2)
}

func TestTrainStepClipsLargeGradients(t *testing.T) {
	cfg := config.Defaults(config.CIFARFS)
	cfg.Model = config.ModelMAML
	cfg.ImageSize = 16
	cfg.Norm = "None"
	cfg.BackpropThroughSolver = true
	require.True(t, cfg.EffectiveClip())
	l, err := New(cfg, quietLogger())
	require.NoError(t, err)

	gen := dataset.Prototypes{NWay: cfg.NumClasses, KShot: 1, NumQuery: cfg.NumQuery, ImageSize: 16, Channels: 3, Noise: 0.1}
	batch := batchFrom(t, gen, cfg.MetaBatchSize, 3)
	for _, xs := range [][]*autodiff.Tensor{batch.SupportX, batch.QueryX} {
		for _, x := range xs {
			floats.Scale(10, x.Data)
		}
	}

	res, err := l.TrainStep(context.Background(), batch)
	require.NoError(t, err)
	assert.Greater(t, res.Stats.MaxAbsGrad, cfg.ClipMax)
	assert.Greater(t, res.Stats.Clipped, 0)
}

func TestTrainStepUpdatesParameters(t *testing.T) {
	cfg := config.Defaults(config.Sinusoid)
	cfg.BackpropThroughSolver = true
	l, err := New(cfg, quietLogger())
	require.NoError(t, err)
	beforeAlpha := l.Params().Head().Alpha.Item()

	gen := dataset.Linear{KShot: 5, NumQuery: 10, Slope: 2, Intercept: 1, Noise: 0.05}
	res, err := l.TrainStep(context.Background(), batchFrom(t, gen, 4, 1))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Iteration)
	assert.Equal(t, cfg.MetaLR, res.LR)
	assert.GreaterOrEqual(t, res.Stats.Dropped, 1, "head/w has no query-loss gradient")
	assert.Equal(t, len(l.Params().Named())-res.Stats.Dropped, res.Stats.Applied)
	assert.NotEqual(t, beforeAlpha, l.Params().Head().Alpha.Item())

	next, err := l.TrainStep(context.Background(), batchFrom(t, gen, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, next.Iteration)
}

func TestDetachedSolverLeavesLambda(t *testing.T) {
	cfg := config.Defaults(config.Sinusoid)
	cfg.BackpropThroughSolver = false
	l, err := New(cfg, quietLogger())
	require.NoError(t, err)
	lambda := l.Params().Head().Lambda.Item()

	gen := dataset.Linear{KShot: 5, NumQuery: 10, Slope: 2, Intercept: 1, Noise: 0.05}
	res, err := l.TrainStep(context.Background(), batchFrom(t, gen, 4, 1))
	require.NoError(t, err)
	assert.NotContains(t, res.Batch.Gradients, model.NameLambda)
	assert.Equal(t, lambda, l.Params().Head().Lambda.Item())
}

func TestPretrainStepTrainsSharedHead(t *testing.T) {
	cfg := config.Defaults(config.Sinusoid)
	cfg.InitAlpha = 1
	l, err := New(cfg, quietLogger())
	require.NoError(t, err)
	w := append([]float64(nil), l.Params().Head().W.Data...)

	gen := dataset.Linear{KShot: 5, NumQuery: 10, Slope: 2, Intercept: 1, Noise: 0.05}
	_, err = l.PretrainStep(context.Background(), batchFrom(t, gen, 4, 1))
	require.NoError(t, err)
	assert.NotEqual(t, w, l.Params().Head().W.Data)
}

func TestScalars(t *testing.T) {
	r := &BatchResult{SupportLoss: 1, QueryLoss: 2, SupportAccuracy: 0.3, QueryAccuracy: 0.9}

	reg := r.Scalars(PrefixTrain, false)
	require.Len(t, reg, 2)
	assert.Equal(t, "metatrain_Pre-update loss", reg[0].Name)
	assert.Equal(t, "metatrain_Post-update loss, step 1", reg[1].Name)
	assert.Equal(t, 2.0, reg[1].Value)

	cls := r.Scalars(PrefixVal, true)
	require.Len(t, cls, 4)
	assert.Equal(t, "metaval_Pre-update accuracy", cls[2].Name)
	assert.Equal(t, "metaval_Post-update accuracy, step 1", cls[3].Name)
	assert.Equal(t, 0.9, cls[3].Value)
}

func TestSetMetaLR(t *testing.T) {
	l, err := New(config.Defaults(config.Sinusoid), quietLogger())
	require.NoError(t, err)
	require.NoError(t, l.SetMetaLR(0.5))
	assert.Equal(t, 0.5, l.MetaLR())
	assert.Error(t, l.SetMetaLR(0))
	assert.Equal(t, 0.5, l.MetaLR())
}
