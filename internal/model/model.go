package model

import (
	"fmt"
	"math"

	"ridge-forge/internal/autodiff"
)

// TaskBatch is a meta-batch of independent few-shot tasks. Entry i of every
// slice belongs to task i. Inputs are [n, dimInput], labels [n, dimOutput].
type TaskBatch struct {
	SupportX []*autodiff.Tensor
	SupportY []*autodiff.Tensor
	QueryX   []*autodiff.Tensor
	QueryY   []*autodiff.Tensor
}

// Len is the number of tasks.
func (b TaskBatch) Len() int { return len(b.SupportX) }

// Validate checks that the four sequences are aligned.
func (b TaskBatch) Validate() error {
	n := len(b.SupportX)
	if n == 0 {
		return &ShapeError{Field: "batch", Reason: "no tasks"}
	}
	if len(b.SupportY) != n || len(b.QueryX) != n || len(b.QueryY) != n {
		return &ShapeError{
			Field:  "batch",
			Reason: fmt.Sprintf("unaligned sequences: support %d/%d query %d/%d", n, len(b.SupportY), len(b.QueryX), len(b.QueryY)),
		}
	}
	return nil
}

// Task returns the i-th task.
func (b TaskBatch) Task(i int) Task {
	return Task{
		Index:    i,
		SupportX: b.SupportX[i],
		SupportY: b.SupportY[i],
		QueryX:   b.QueryX[i],
		QueryY:   b.QueryY[i],
	}
}

// Permute returns a batch with tasks reordered so that task i of the result
// is task order[i] of b.
func (b TaskBatch) Permute(order []int) TaskBatch {
	out := TaskBatch{
		SupportX: make([]*autodiff.Tensor, len(order)),
		SupportY: make([]*autodiff.Tensor, len(order)),
		QueryX:   make([]*autodiff.Tensor, len(order)),
		QueryY:   make([]*autodiff.Tensor, len(order)),
	}
	for i, j := range order {
		out.SupportX[i] = b.SupportX[j]
		out.SupportY[i] = b.SupportY[j]
		out.QueryX[i] = b.QueryX[j]
		out.QueryY[i] = b.QueryY[j]
	}
	return out
}

// Append adds one task to the batch.
func (b *TaskBatch) Append(t Task) {
	b.SupportX = append(b.SupportX, t.SupportX)
	b.SupportY = append(b.SupportY, t.SupportY)
	b.QueryX = append(b.QueryX, t.QueryX)
	b.QueryY = append(b.QueryY, t.QueryY)
}

// Task is one support/query split.
type Task struct {
	Index    int
	SupportX *autodiff.Tensor
	SupportY *autodiff.Tensor
	QueryX   *autodiff.Tensor
	QueryY   *autodiff.Tensor
}

// Fingerprint identifies the task by its contents: equal tensors give equal
// fingerprints wherever the task sits in a batch.
func (t Task) Fingerprint() uint64 {
	h := uint64(0x243f6a8885a308d3)
	for _, x := range []*autodiff.Tensor{t.SupportX, t.SupportY, t.QueryX, t.QueryY} {
		if x == nil {
			h = mix64(h)
			continue
		}
		for _, d := range x.Shape {
			h = mix64(h ^ uint64(d))
		}
		for _, v := range x.Data {
			h = mix64(h ^ math.Float64bits(v))
		}
	}
	return h
}

func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Validate checks the task against the architecture's input and output width.
func (t Task) Validate(arch Architecture) error {
	checks := []struct {
		field string
		x     *autodiff.Tensor
		y     *autodiff.Tensor
	}{
		{"support", t.SupportX, t.SupportY},
		{"query", t.QueryX, t.QueryY},
	}
	for _, c := range checks {
		if c.x == nil || c.y == nil {
			return &ShapeError{Task: t.Index, Field: c.field, Reason: "missing tensor"}
		}
		if c.x.Rank() != 2 || c.y.Rank() != 2 {
			return &ShapeError{Task: t.Index, Field: c.field, Reason: fmt.Sprintf("want 2-D tensors, got %v and %v", c.x.Shape, c.y.Shape)}
		}
		if c.x.Shape[0] == 0 {
			return &ShapeError{Task: t.Index, Field: c.field, Reason: "no examples"}
		}
		if c.x.Shape[0] != c.y.Shape[0] {
			return &ShapeError{Task: t.Index, Field: c.field, Reason: fmt.Sprintf("%d inputs but %d labels", c.x.Shape[0], c.y.Shape[0])}
		}
		if c.x.Shape[1] != arch.InputDim() {
			return &ShapeError{Task: t.Index, Field: c.field, Reason: fmt.Sprintf("input width %d, want %d", c.x.Shape[1], arch.InputDim())}
		}
		if c.y.Shape[1] != arch.OutputDim {
			return &ShapeError{Task: t.Index, Field: c.field, Reason: fmt.Sprintf("label width %d, want %d", c.y.Shape[1], arch.OutputDim)}
		}
	}
	return nil
}
