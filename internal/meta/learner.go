package meta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ridge-forge/internal/config"
	"ridge-forge/internal/metrics"
	"ridge-forge/internal/model"
)

// Scalar name prefixes for training and validation passes.
const (
	PrefixTrain = "metatrain_"
	PrefixVal   = "metaval_"
)

// StepResult describes one optimizer iteration.
type StepResult struct {
	Iteration int
	LR        float64
	Batch     *BatchResult
	Stats     StepStats
}

// Learner wires the extractor, solver, orchestrator and optimizers from an
// immutable config. Calls are serialized: each step reads the parameters,
// aggregates the batch and writes the update before the next call starts.
type Learner struct {
	cfg    *config.Config
	arch   model.Architecture
	logger *slog.Logger

	store    *model.Store
	orch     *Orchestrator
	meta     *MetaOptimizer
	pretrain *MetaOptimizer

	mu     sync.Mutex
	metaLR float64
	steps  int
}

// New validates cfg and builds a learner. Configuration problems are
// reported as *config.Error before anything else is constructed.
func New(cfg *config.Config, logger *slog.Logger) (*Learner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	arch, err := ArchitectureFor(cfg)
	if err != nil {
		return nil, err
	}

	metaOpt, err := NewMetaOptimizer(OptimizerOptions{
		Clip:        cfg.EffectiveClip(),
		ClipMin:     cfg.ClipMin,
		ClipMax:     cfg.ClipMax,
		LambdaFloor: cfg.LambdaFloor,
	})
	if err != nil {
		return nil, &config.Error{Field: "clip_min", Reason: err.Error()}
	}
	pretrainOpt, err := NewMetaOptimizer(OptimizerOptions{LambdaFloor: cfg.LambdaFloor})
	if err != nil {
		return nil, &config.Error{Field: "lambda_floor", Reason: err.Error()}
	}

	adapter := NewAdapter(arch, AdapterOptions{
		Classification:        cfg.Classification(),
		UpdateBatchSize:       cfg.UpdateBatchSize,
		BackpropThroughSolver: cfg.BackpropThroughSolver,
	})
	l := &Learner{
		cfg:      cfg,
		arch:     arch,
		logger:   logger,
		store:    model.NewStore(arch, cfg.Seed),
		orch:     NewOrchestrator(adapter, cfg.Parallelism, cfg.Seed),
		meta:     metaOpt,
		pretrain: pretrainOpt,
		metaLR:   cfg.MetaLR,
	}
	l.store.GetOrCreate()
	logger.Info("learner ready",
		"datasource", cfg.Datasource,
		"model", cfg.Model,
		"conv", arch.Conv,
		"norm", arch.Norm,
		"embedding_dim", arch.EmbeddingDim(),
		"output_dim", arch.OutputDim,
		"dropout", arch.Dropout,
		"clip", cfg.EffectiveClip(),
		"backprop_through_solver", cfg.BackpropThroughSolver,
	)
	return l, nil
}

// ArchitectureFor maps a validated config onto a network description.
func ArchitectureFor(cfg *config.Config) (model.Architecture, error) {
	arch := model.Architecture{
		OutputDim: cfg.DimOutput(),
		Norm:      model.Norm(cfg.Norm),
		MaxPool:   cfg.MaxPool,
		Init: model.HeadInit{
			Lambda: cfg.InitLambda,
			Alpha:  cfg.InitAlpha,
			Beta:   cfg.InitBeta,
		},
	}
	switch {
	case !cfg.Classification():
		arch.Inputs = cfg.DimInput()
		arch.Hidden = []int{40, 40}
	case cfg.Conv:
		arch.Conv = true
		arch.ImageSize = cfg.EffectiveImageSize()
		arch.Channels = cfg.Channels()
		arch.Dropout = cfg.EffectiveDropout()
		switch cfg.Model {
		case config.ModelR2D2:
			arch.Hidden = []int{96, 192, 384, 512}
			arch.LeakySlope = 0.1
		case config.ModelMAML:
			arch.Hidden = []int{32, 32, 32, 32}
		default:
			return model.Architecture{}, &config.Error{Field: "model", Reason: fmt.Sprintf("unknown model %q", cfg.Model)}
		}
	default:
		arch.Inputs = cfg.DimInput()
		arch.Hidden = []int{256, 128, 64, 64}
	}
	if err := arch.Validate(); err != nil {
		return model.Architecture{}, &config.Error{Field: "architecture", Reason: err.Error()}
	}
	return arch, nil
}

// TrainStep runs one meta-training iteration: query-loss gradients averaged
// over the batch, clipped and applied with the current meta learning rate.
func (l *Learner) TrainStep(ctx context.Context, batch model.TaskBatch) (*StepResult, error) {
	return l.step(ctx, batch, ModeTrain, l.meta)
}

// PretrainStep applies support-loss gradients with the pretrain optimizer.
func (l *Learner) PretrainStep(ctx context.Context, batch model.TaskBatch) (*StepResult, error) {
	return l.step(ctx, batch, ModePretrain, l.pretrain)
}

func (l *Learner) step(ctx context.Context, batch model.TaskBatch, mode Mode, opt *MetaOptimizer) (*StepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.store.GetOrCreate()
	res, err := l.orch.Run(ctx, batch, set, mode, l.steps)
	if err != nil {
		return nil, fmt.Errorf("%s iteration %d: %w", mode, l.steps, err)
	}
	stats, err := opt.Step(set, res.Gradients, l.metaLR)
	if err != nil {
		return nil, fmt.Errorf("%s iteration %d: %w", mode, l.steps, err)
	}
	out := &StepResult{Iteration: l.steps, LR: l.metaLR, Batch: res, Stats: stats}
	l.steps++
	l.logger.Debug("step applied",
		"mode", mode.String(),
		"iteration", out.Iteration,
		"applied", stats.Applied,
		"dropped", stats.Dropped,
		"clipped", stats.Clipped,
		"max_abs_grad", stats.MaxAbsGrad,
	)
	return out, nil
}

// Evaluate runs a batch without touching the parameters.
func (l *Learner) Evaluate(ctx context.Context, batch model.TaskBatch) (*BatchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.orch.Run(ctx, batch, l.store.GetOrCreate(), ModeEval, l.steps)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return res, nil
}

// SetMetaLR changes the learning rate used by subsequent steps.
func (l *Learner) SetMetaLR(lr float64) error {
	if !(lr > 0) {
		return fmt.Errorf("meta learning rate must be > 0 (got %g)", lr)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metaLR = lr
	return nil
}

// MetaLR returns the current meta learning rate.
func (l *Learner) MetaLR() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metaLR
}

// Params returns the shared parameters. Callers must not mutate them while
// a step is running.
func (l *Learner) Params() model.ParameterSet { return l.store.GetOrCreate() }

// Architecture returns the network description built from the config.
func (l *Learner) Architecture() model.Architecture { return l.arch }

// Classification reports whether accuracies are meaningful.
func (l *Learner) Classification() bool { return l.cfg.Classification() }

// Scalars names the aggregated values of r under prefix. Accuracies are
// included for classification only.
func (r *BatchResult) Scalars(prefix string, classification bool) []metrics.Scalar {
	out := []metrics.Scalar{
		{Name: prefix + "Pre-update loss", Value: r.SupportLoss},
		{Name: prefix + "Post-update loss, step 1", Value: r.QueryLoss},
	}
	if classification {
		out = append(out,
			metrics.Scalar{Name: prefix + "Pre-update accuracy", Value: r.SupportAccuracy},
			metrics.Scalar{Name: prefix + "Post-update accuracy, step 1", Value: r.QueryAccuracy},
		)
	}
	return out
}
