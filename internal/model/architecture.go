package model

import (
	"errors"
	"fmt"

	"ridge-forge/internal/autodiff"
)

// Norm selects the normalization stage of each block.
type Norm string

const (
	NormNone  Norm = "None"
	NormBatch Norm = "batch_norm"
	NormLayer Norm = "layer_norm"
)

// Epsilons used by the normalization stages.
const (
	batchNormEps = 1e-3
	layerNormEps = 1e-12
)

// ConvBlocks is the fixed depth of the convolutional extractor.
const ConvBlocks = 4

// HeadInit holds the initial values of the learned base-learner scalars.
type HeadInit struct {
	Lambda float64
	Alpha  float64
	Beta   float64
}

// Architecture is the immutable description of the network.
type Architecture struct {
	Conv      bool
	ImageSize int
	Channels  int
	// Inputs is the input width of the fully connected family.
	Inputs    int
	Hidden    []int
	OutputDim int
	Norm      Norm
	MaxPool   bool
	// LeakySlope is the negative-side slope of the activation; 0 is ReLU.
	LeakySlope float64
	Dropout    float64
	Init       HeadInit
}

// InputDim is the flattened width of one input example.
func (a Architecture) InputDim() int {
	if a.Conv {
		return a.ImageSize * a.ImageSize * a.Channels
	}
	return a.Inputs
}

// convStride is 1 when max-pooling does the downsampling, 2 otherwise.
func (a Architecture) convStride() int {
	if a.MaxPool {
		return 1
	}
	return 2
}

// spatialSizes returns the side length after each conv block.
func (a Architecture) spatialSizes() []int {
	sizes := make([]int, len(a.Hidden))
	s := a.ImageSize
	for i := range a.Hidden {
		s = autodiff.ConvOutputSize(s, a.convStride(), a.MaxPool)
		sizes[i] = s
	}
	return sizes
}

// EmbeddingDim is the width of the extractor output: the flattened last two
// blocks (or hidden layers) concatenated.
func (a Architecture) EmbeddingDim() int {
	n := len(a.Hidden)
	if !a.Conv {
		if n == 1 {
			return a.Hidden[0]
		}
		return a.Hidden[n-2] + a.Hidden[n-1]
	}
	sizes := a.spatialSizes()
	d := 0
	for i := n - 2; i < n; i++ {
		d += sizes[i] * sizes[i] * a.Hidden[i]
	}
	return d
}

// Validate checks internal consistency.
func (a Architecture) Validate() error {
	if a.OutputDim <= 0 {
		return fmt.Errorf("output dim must be > 0 (got %d)", a.OutputDim)
	}
	if len(a.Hidden) == 0 {
		return errors.New("at least one hidden layer is required")
	}
	for i, h := range a.Hidden {
		if h <= 0 {
			return fmt.Errorf("hidden[%d] must be > 0 (got %d)", i, h)
		}
	}
	switch a.Norm {
	case NormNone, NormBatch, NormLayer:
	default:
		return fmt.Errorf("unknown norm %q", a.Norm)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0,1) (got %g)", a.Dropout)
	}
	if a.Init.Lambda < 0 {
		return fmt.Errorf("initial lambda must be >= 0 (got %g)", a.Init.Lambda)
	}
	if !a.Conv {
		if a.Inputs <= 0 {
			return fmt.Errorf("input width must be > 0 (got %d)", a.Inputs)
		}
		return nil
	}
	if len(a.Hidden) != ConvBlocks {
		return fmt.Errorf("conv extractor needs %d filter counts (got %d)", ConvBlocks, len(a.Hidden))
	}
	if a.ImageSize <= 0 || a.Channels <= 0 {
		return fmt.Errorf("image size and channels must be > 0 (got %d, %d)", a.ImageSize, a.Channels)
	}
	for i, s := range a.spatialSizes() {
		if s == 0 {
			return fmt.Errorf("image size %d collapses to zero at block %d", a.ImageSize, i+1)
		}
	}
	return nil
}
