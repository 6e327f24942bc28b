package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"ridge-forge/internal/autodiff"
)

// Names of the base-learner scalars and regression weight.
const (
	NameHeadW  = "head/w"
	NameLambda = "head/lambda"
	NameAlpha  = "head/alpha"
	NameBeta   = "head/beta"
)

// Layer holds the weights of one block. NormOffset is set for batch and
// layer norm, NormGain for layer norm only.
type Layer struct {
	Weight     *autodiff.Tensor
	Bias       *autodiff.Tensor
	NormOffset *autodiff.Tensor
	NormGain   *autodiff.Tensor
}

// HeadParams are the ridge-regression head: the shared (unadapted) weight
// matrix W [embed, out] and the learned scalars λ, α and β.
type HeadParams struct {
	W      *autodiff.Tensor
	Lambda *autodiff.Tensor
	Alpha  *autodiff.Tensor
	Beta   *autodiff.Tensor
}

// ParameterSet is the set of shared learnable tensors. It is implemented by
// *ConvParams and *FCParams only.
type ParameterSet interface {
	// Named lists every tensor in a fixed order.
	Named() []Named
	// Head returns the base-learner parameters.
	Head() *HeadParams
	isParameterSet()
}

// Named pairs a tensor with its stable name.
type Named struct {
	Name   string
	Tensor *autodiff.Tensor
}

// ConvParams parameterize the four-block convolutional extractor.
type ConvParams struct {
	Blocks [ConvBlocks]Layer
	HeadParams
}

// FCParams parameterize the fully connected extractor.
type FCParams struct {
	Layers []Layer
	HeadParams
}

func (*ConvParams) isParameterSet() {}
func (*FCParams) isParameterSet()   {}

// Head returns the ridge head.
func (p *ConvParams) Head() *HeadParams { return &p.HeadParams }

// Head returns the ridge head.
func (p *FCParams) Head() *HeadParams { return &p.HeadParams }

// Named lists block tensors as conv1/weight, conv1/bias, ... then the head.
func (p *ConvParams) Named() []Named {
	return appendNamed(nil, "conv", p.Blocks[:], &p.HeadParams)
}

// Named lists layer tensors as fc1/weight, fc1/bias, ... then the head.
func (p *FCParams) Named() []Named {
	return appendNamed(nil, "fc", p.Layers, &p.HeadParams)
}

func appendNamed(out []Named, prefix string, layers []Layer, h *HeadParams) []Named {
	for i, l := range layers {
		base := fmt.Sprintf("%s%d/", prefix, i+1)
		out = append(out, Named{base + "weight", l.Weight}, Named{base + "bias", l.Bias})
		if l.NormOffset != nil {
			out = append(out, Named{base + "norm_offset", l.NormOffset})
		}
		if l.NormGain != nil {
			out = append(out, Named{base + "norm_gain", l.NormGain})
		}
	}
	return append(out,
		Named{NameHeadW, h.W},
		Named{NameLambda, h.Lambda},
		Named{NameAlpha, h.Alpha},
		Named{NameBeta, h.Beta},
	)
}

// Store owns the shared parameters. It starts uninitialized; GetOrCreate
// initializes it exactly once and returns the same set on every call.
type Store struct {
	arch Architecture
	seed int64

	mu  sync.Mutex
	set ParameterSet
}

// NewStore returns an uninitialized store.
func NewStore(arch Architecture, seed int64) *Store {
	return &Store{arch: arch, seed: seed}
}

// Initialized reports whether GetOrCreate has run.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set != nil
}

// GetOrCreate returns the parameter set, creating it on first use.
func (s *Store) GetOrCreate() ParameterSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = newParameterSet(s.arch, rand.New(rand.NewSource(s.seed)))
	}
	return s.set
}

func newParameterSet(arch Architecture, rng *rand.Rand) ParameterSet {
	head := HeadParams{
		W:      glorot(rng, arch.EmbeddingDim(), arch.OutputDim, arch.EmbeddingDim(), arch.OutputDim),
		Lambda: autodiff.Scalar(arch.Init.Lambda),
		Alpha:  autodiff.Scalar(arch.Init.Alpha),
		Beta:   autodiff.Scalar(arch.Init.Beta),
	}
	if arch.Conv {
		p := &ConvParams{HeadParams: head}
		in := arch.Channels
		for i, out := range arch.Hidden {
			p.Blocks[i] = Layer{
				Weight: glorot(rng, 9*in, 9*out, 3, 3, in, out),
				Bias:   autodiff.Zeros(out),
			}
			addNorm(&p.Blocks[i], arch.Norm, out)
			in = out
		}
		return p
	}
	p := &FCParams{HeadParams: head, Layers: make([]Layer, len(arch.Hidden))}
	in := arch.Inputs
	for i, out := range arch.Hidden {
		bias := autodiff.Zeros(out)
		for j := range bias.Data {
			bias.Data[j] = rng.Float64()*0.2 - 0.1
		}
		p.Layers[i] = Layer{Weight: glorot(rng, in, out, in, out), Bias: bias}
		addNorm(&p.Layers[i], arch.Norm, out)
		in = out
	}
	return p
}

func addNorm(l *Layer, norm Norm, width int) {
	switch norm {
	case NormBatch:
		l.NormOffset = autodiff.Zeros(width)
	case NormLayer:
		l.NormOffset = autodiff.Zeros(width)
		l.NormGain = autodiff.Full(1, width)
	}
}

// glorot draws a Xavier-uniform tensor of the given shape.
func glorot(rng *rand.Rand, fanIn, fanOut int, shape ...int) *autodiff.Tensor {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	t := autodiff.Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	return t
}

// Bound is a parameter set bound onto one tape. A Bound whose W was replaced
// by a task's closed-form solution is that task's adapted weights: every other
// var still refers to the shared tensors.
type Bound struct {
	conv   bool
	Layers []BoundLayer
	W      *autodiff.Var
	Lambda *autodiff.Var
	Alpha  *autodiff.Var
	Beta   *autodiff.Var
}

// BoundLayer mirrors Layer on a tape.
type BoundLayer struct {
	Weight     *autodiff.Var
	Bias       *autodiff.Var
	NormOffset *autodiff.Var
	NormGain   *autodiff.Var
}

// Bind registers every tensor of set as a parameter leaf on tp.
func Bind(tp *autodiff.Tape, set ParameterSet) *Bound {
	var (
		b      = &Bound{}
		layers []Layer
		prefix string
	)
	switch p := set.(type) {
	case *ConvParams:
		b.conv, layers, prefix = true, p.Blocks[:], "conv"
	case *FCParams:
		layers, prefix = p.Layers, "fc"
	default:
		panic(fmt.Sprintf("model: unknown parameter set %T", set))
	}
	for i, l := range layers {
		base := fmt.Sprintf("%s%d/", prefix, i+1)
		bl := BoundLayer{
			Weight: tp.Param(base+"weight", l.Weight),
			Bias:   tp.Param(base+"bias", l.Bias),
		}
		if l.NormOffset != nil {
			bl.NormOffset = tp.Param(base+"norm_offset", l.NormOffset)
		}
		if l.NormGain != nil {
			bl.NormGain = tp.Param(base+"norm_gain", l.NormGain)
		}
		b.Layers = append(b.Layers, bl)
	}
	h := set.Head()
	b.W = tp.Param(NameHeadW, h.W)
	b.Lambda = tp.Param(NameLambda, h.Lambda)
	b.Alpha = tp.Param(NameAlpha, h.Alpha)
	b.Beta = tp.Param(NameBeta, h.Beta)
	return b
}

// WithW returns a shallow copy of b whose regression weight is w.
func (b *Bound) WithW(w *autodiff.Var) *Bound {
	cp := *b
	cp.W = w
	return &cp
}
