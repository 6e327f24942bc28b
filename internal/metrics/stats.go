package metrics

import "time"

// Iteration holds the aggregated values of one meta-iteration.
type Iteration struct {
	PreLoss      float64
	PostLoss     float64
	PreAccuracy  float64
	PostAccuracy float64
}

// Window accumulates timing and loss stats across multiple iterations.
type Window struct {
	tasks   int
	data    time.Duration
	compute time.Duration
	steps   int
	sum     Iteration
	last    Iteration
}

// Record adds a new measurement to the window.
func (w *Window) Record(tasks int, dataTime, computeTime time.Duration, it Iteration) {
	w.tasks += tasks
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.sum.PreLoss += it.PreLoss
	w.sum.PostLoss += it.PostLoss
	w.sum.PreAccuracy += it.PreAccuracy
	w.sum.PostAccuracy += it.PostAccuracy
	w.last = it
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, Last: w.last}
	total := w.data + w.compute
	if total > 0 {
		snap.TasksPerSec = float64(w.tasks) / total.Seconds()
	}
	if w.steps > 0 {
		n := float64(w.steps)
		snap.AvgDataMS = (w.data.Seconds() * 1000) / n
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / n
		snap.Mean = Iteration{
			PreLoss:      w.sum.PreLoss / n,
			PostLoss:     w.sum.PostLoss / n,
			PreAccuracy:  w.sum.PreAccuracy / n,
			PostAccuracy: w.sum.PostAccuracy / n,
		}
	}

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	TasksPerSec  float64
	AvgDataMS    float64
	AvgComputeMS float64
	Mean         Iteration
	Last         Iteration
}
