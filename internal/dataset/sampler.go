package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ridge-forge/internal/model"
)

// Batch is one meta-batch of the stream. IDs start at 0 and increase by one.
type Batch struct {
	ID    int64
	Tasks model.TaskBatch
}

// StreamOptions configures the task stream.
type StreamOptions struct {
	Generator     Generator
	MetaBatchSize int
	Seed          int64
	NumWorkers    int
	// MaxBatches stops the stream after that many batches; 0 is unbounded.
	MaxBatches int64
}

// StartTaskStream launches the task pipeline. Batches are built by
// NumWorkers goroutines and re-ordered by id, so the sequence depends only on
// the seed. The batch channel closes when MaxBatches is reached, on the first
// generator error, or when ctx is done.
func StartTaskStream(parent context.Context, opts StreamOptions) (<-chan Batch, <-chan error, error) {
	if opts.Generator == nil {
		return nil, nil, errors.New("stream: no task generator")
	}
	if opts.MetaBatchSize <= 0 {
		return nil, nil, fmt.Errorf("stream: meta batch size must be > 0 (got %d)", opts.MetaBatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan int64, opts.NumWorkers)
	results := make(chan built, opts.NumWorkers)
	out := make(chan Batch, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, opts.MaxBatches)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, results, opts)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, results, out, errCh)
	}()

	return out, errCh, nil
}

type built struct {
	batch Batch
	err   error
}

func worker(ctx context.Context, jobs <-chan int64, results chan<- built, opts StreamOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-jobs:
			if !ok {
				return
			}
			b, err := buildBatch(opts, id)
			select {
			case <-ctx.Done():
				return
			case results <- built{batch: b, err: err}:
			}
		}
	}
}

func buildBatch(opts StreamOptions, id int64) (Batch, error) {
	b := Batch{ID: id}
	for i := 0; i < opts.MetaBatchSize; i++ {
		task, err := opts.Generator.Task(TaskSeed(opts.Seed, id, i))
		if err != nil {
			return Batch{ID: id}, fmt.Errorf("batch %d task %d: %w", id, i, err)
		}
		task.Index = i
		b.Tasks.Append(task)
	}
	return b, nil
}

// runAggregator emits batches in id order, holding early arrivals in
// pending until their turn.
func runAggregator(ctx context.Context, results <-chan built, out chan<- Batch, errCh chan<- error) {
	pending := make(map[int64]built)
	var nextID int64
	for {
		r, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case r, ok = <-results:
				if !ok {
					return
				}
				if r.err != nil {
					errCh <- r.err
					return
				}
				pending[r.batch.ID] = r
			}
			continue
		}

		delete(pending, nextID)
		select {
		case <-ctx.Done():
			return
		case out <- r.batch:
		}
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- int64, limit int64) {
	defer close(jobs)
	for id := int64(0); limit <= 0 || id < limit; id++ {
		select {
		case <-ctx.Done():
			return
		case jobs <- id:
		}
	}
}

// TaskSeed derives the generator seed of task i in batch id.
func TaskSeed(seed, id int64, i int) uint64 {
	h := mix(uint64(seed))
	h = mix(h ^ uint64(id))
	return mix(h ^ uint64(i))
}

func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
