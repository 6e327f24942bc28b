package model

import (
	"fmt"
	"math/rand"

	"ridge-forge/internal/autodiff"
)

// Extractor maps raw inputs to embeddings with the shared extractor weights.
type Extractor struct {
	arch Architecture
}

// NewExtractor returns an extractor for arch.
func NewExtractor(arch Architecture) *Extractor {
	return &Extractor{arch: arch}
}

// Architecture returns the extractor's network description.
func (e *Extractor) Architecture() Architecture { return e.arch }

// Extract embeds images [n, dimInput]. Dropout is applied to the last two
// blocks only when training is set; rng must then be non-nil.
func (e *Extractor) Extract(images *autodiff.Var, b *Bound, training bool, rng *rand.Rand) (*autodiff.Var, error) {
	shape := images.Shape()
	if len(shape) != 2 || shape[1] != e.arch.InputDim() {
		return nil, &ShapeError{Task: -1, Field: "extractor input", Reason: fmt.Sprintf("got %v, want [n %d]", shape, e.arch.InputDim())}
	}
	if b.conv != e.arch.Conv || len(b.Layers) != len(e.arch.Hidden) {
		return nil, &ShapeError{Task: -1, Field: "extractor params", Reason: "parameter set does not match architecture"}
	}
	if e.arch.Conv {
		return e.forwardConv(images, b, training, rng), nil
	}
	return e.forwardDense(images, b), nil
}

func (e *Extractor) forwardConv(images *autodiff.Var, b *Bound, training bool, rng *rand.Rand) *autodiff.Var {
	n := images.Shape()[0]
	x := autodiff.Reshape(images, n, e.arch.ImageSize, e.arch.ImageSize, e.arch.Channels)
	hidden := make([]*autodiff.Var, len(b.Layers))
	for i, l := range b.Layers {
		x = e.convBlock(x, l)
		if i >= len(b.Layers)-2 && training {
			x = autodiff.Dropout(x, e.arch.Dropout, rng)
		}
		hidden[i] = x
	}
	last := len(hidden)
	return autodiff.ConcatCols(autodiff.Flatten(hidden[last-2]), autodiff.Flatten(hidden[last-1]))
}

func (e *Extractor) forwardDense(x *autodiff.Var, b *Bound) *autodiff.Var {
	hidden := make([]*autodiff.Var, len(b.Layers))
	for i, l := range b.Layers {
		x = e.denseBlock(x, l)
		hidden[i] = x
	}
	if len(hidden) == 1 {
		return hidden[0]
	}
	last := len(hidden)
	return autodiff.ConcatCols(hidden[last-2], hidden[last-1])
}
