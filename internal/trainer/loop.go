package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ridge-forge/internal/config"
	"ridge-forge/internal/dataset"
	"ridge-forge/internal/meta"
	"ridge-forge/internal/metrics"
)

// prototypeNoise is the pixel noise of the synthetic classification tasks.
const prototypeNoise = 0.1

// RunConfig captures what the training loop needs.
type RunConfig struct {
	Config *config.Config
	Logger *slog.Logger
	// Summary receives scalar records. When nil and Config.SummaryPath is
	// set, a rotated file is opened there.
	Summary *metrics.SummaryWriter
}

// Report summarizes a finished run.
type Report struct {
	RunID      string
	Iterations int
	LastTrain  *meta.BatchResult
	LastVal    *meta.BatchResult
}

// Run pretrains, then meta-trains with periodic validation.
func Run(ctx context.Context, rc RunConfig) (*Report, error) {
	cfg := rc.Config
	if cfg == nil {
		return nil, errors.New("trainer: config is nil")
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	learner, err := meta.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	summary := rc.Summary
	if summary == nil && cfg.SummaryPath != "" {
		summary, err = metrics.OpenSummaryFile(cfg.SummaryPath)
		if err != nil {
			return nil, err
		}
		defer summary.Close()
	}
	report := &Report{}
	if summary != nil {
		report.RunID = summary.RunID()
		logger.Info("writing summaries", "path", cfg.SummaryPath, "run_id", report.RunID)
	}

	gen := TaskSource(cfg)
	total := int64(cfg.PretrainIterations + cfg.MetatrainIterations)
	if total == 0 {
		return report, nil
	}

	// Stops both streams when Run returns early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	trainCh, trainErr, err := dataset.StartTaskStream(ctx, dataset.StreamOptions{
		Generator:     gen,
		MetaBatchSize: cfg.MetaBatchSize,
		Seed:          cfg.Seed,
		NumWorkers:    cfg.NumWorkers,
		MaxBatches:    total,
	})
	if err != nil {
		return nil, err
	}

	var valCh <-chan dataset.Batch
	var valErr <-chan error
	if cfg.ValEvery > 0 && cfg.MetatrainIterations >= cfg.ValEvery {
		valCh, valErr, err = dataset.StartTaskStream(ctx, dataset.StreamOptions{
			Generator:     gen,
			MetaBatchSize: cfg.MetaBatchSize,
			Seed:          cfg.Seed + 1,
			NumWorkers:    1,
			MaxBatches:    int64(cfg.MetatrainIterations / cfg.ValEvery),
		})
		if err != nil {
			return nil, err
		}
	}

	var window metrics.Window
	classification := cfg.Classification()

	for it := 0; it < cfg.PretrainIterations; it++ {
		startData := time.Now()
		batch, err := nextBatch(ctx, trainCh, trainErr)
		if err != nil {
			return nil, err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := learner.PretrainStep(ctx, batch.Tasks)
		if err != nil {
			return nil, err
		}
		window.Record(batch.Tasks.Len(), dataTime, time.Since(startCompute), iterationOf(res.Batch))

		if (it+1)%cfg.LogEvery == 0 {
			logWindow(logger, "pretrain", it+1, window.Snapshot(), classification)
		}
	}
	window.Snapshot()

	for it := 0; it < cfg.MetatrainIterations; it++ {
		if err := learner.SetMetaLR(cfg.LRAt(it)); err != nil {
			return nil, err
		}

		startData := time.Now()
		batch, err := nextBatch(ctx, trainCh, trainErr)
		if err != nil {
			return nil, err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := learner.TrainStep(ctx, batch.Tasks)
		if err != nil {
			return nil, err
		}
		window.Record(batch.Tasks.Len(), dataTime, time.Since(startCompute), iterationOf(res.Batch))
		report.Iterations = it + 1
		report.LastTrain = res.Batch

		if (it+1)%cfg.LogEvery == 0 {
			logWindow(logger, "metatrain", it+1, window.Snapshot(), classification)
			if summary != nil {
				if err := summary.Write(it+1, res.Batch.Scalars(meta.PrefixTrain, classification)); err != nil {
					return nil, err
				}
			}
		}

		if valCh != nil && (it+1)%cfg.ValEvery == 0 {
			vb, err := nextBatch(ctx, valCh, valErr)
			if err != nil {
				return nil, fmt.Errorf("validation batch: %w", err)
			}
			val, err := learner.Evaluate(ctx, vb.Tasks)
			if err != nil {
				return nil, err
			}
			report.LastVal = val
			attrs := []any{"iteration", it + 1, "pre_loss", val.SupportLoss, "post_loss", val.QueryLoss}
			if classification {
				attrs = append(attrs, "pre_acc", val.SupportAccuracy, "post_acc", val.QueryAccuracy)
			}
			logger.Info("metaval", attrs...)
			if summary != nil {
				if err := summary.Write(it+1, val.Scalars(meta.PrefixVal, classification)); err != nil {
					return nil, err
				}
			}
		}
	}

	return report, nil
}

// TaskSource picks the synthetic task generator for cfg's datasource.
func TaskSource(cfg *config.Config) dataset.Generator {
	if !cfg.Classification() {
		return dataset.Sinusoid{KShot: cfg.UpdateBatchSize, NumQuery: cfg.NumQuery}
	}
	return dataset.Prototypes{
		NWay:      cfg.NumClasses,
		KShot:     cfg.UpdateBatchSize,
		NumQuery:  cfg.NumQuery,
		ImageSize: cfg.EffectiveImageSize(),
		Channels:  cfg.Channels(),
		Noise:     prototypeNoise,
	}
}

func iterationOf(r *meta.BatchResult) metrics.Iteration {
	return metrics.Iteration{
		PreLoss:      r.SupportLoss,
		PostLoss:     r.QueryLoss,
		PreAccuracy:  r.SupportAccuracy,
		PostAccuracy: r.QueryAccuracy,
	}
}

func logWindow(logger *slog.Logger, phase string, iteration int, snap metrics.Snapshot, classification bool) {
	attrs := []any{
		"iteration", iteration,
		"tasks_per_sec", snap.TasksPerSec,
		"data_ms", snap.AvgDataMS,
		"compute_ms", snap.AvgComputeMS,
		"pre_loss", snap.Mean.PreLoss,
		"post_loss", snap.Mean.PostLoss,
	}
	if classification {
		attrs = append(attrs, "pre_acc", snap.Mean.PreAccuracy, "post_acc", snap.Mean.PostAccuracy)
	}
	logger.Info(phase, attrs...)
}

func nextBatch(ctx context.Context, batches <-chan dataset.Batch, errs <-chan error) (dataset.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return dataset.Batch{}, err
		}
		select {
		case <-ctx.Done():
			return dataset.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return dataset.Batch{}, err
			}
			if !ok {
				errs = nil
			}
		case b, ok := <-batches:
			if !ok {
				return dataset.Batch{}, errors.New("task stream closed")
			}
			return b, nil
		}
	}
}
