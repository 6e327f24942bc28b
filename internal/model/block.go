package model

import "ridge-forge/internal/autodiff"

// convBlock applies conv, bias, normalization with activation, and the
// optional 2×2 max pool.
func (e *Extractor) convBlock(x *autodiff.Var, l BoundLayer) *autodiff.Var {
	out := autodiff.Conv2D(x, l.Weight, e.arch.convStride())
	out = autodiff.BiasAdd(out, l.Bias)
	out = e.normalize(out, l)
	if e.arch.MaxPool {
		out = autodiff.MaxPool2x2(out)
	}
	return out
}

// denseBlock is the fully connected counterpart of convBlock.
func (e *Extractor) denseBlock(x *autodiff.Var, l BoundLayer) *autodiff.Var {
	out := autodiff.BiasAdd(autodiff.MatMul(x, l.Weight), l.Bias)
	return e.normalize(out, l)
}

func (e *Extractor) normalize(x *autodiff.Var, l BoundLayer) *autodiff.Var {
	switch e.arch.Norm {
	case NormBatch:
		x = autodiff.BatchNorm(x, l.NormOffset, batchNormEps)
	case NormLayer:
		x = autodiff.LayerNorm(x, l.NormGain, l.NormOffset, layerNormEps)
	}
	return autodiff.LeakyReLU(x, e.arch.LeakySlope)
}
