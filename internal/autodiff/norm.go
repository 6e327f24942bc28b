package autodiff

import (
	"fmt"
	"math"
)

// BatchNorm normalizes each channel (last axis) of x with the statistics of
// the current batch, then adds offset [C]. There is no learned scale.
func BatchNorm(x, offset *Var, eps float64) *Var {
	c := x.value.Dim(-1)
	if offset.value.Size() != c {
		panic(fmt.Sprintf("autodiff: BatchNorm offset %v on %v", offset.value.Shape, x.value.Shape))
	}
	xd := x.value.Data
	m := len(xd) / c
	mean := make([]float64, c)
	variance := make([]float64, c)
	for i, v := range xd {
		mean[i%c] += v
	}
	for j := range mean {
		mean[j] /= float64(m)
	}
	for i, v := range xd {
		d := v - mean[i%c]
		variance[i%c] += d * d
	}
	invStd := make([]float64, c)
	for j := range variance {
		invStd[j] = 1 / math.Sqrt(variance[j]/float64(m)+eps)
	}
	xhat := make([]float64, len(xd))
	out := Zeros(x.value.Shape...)
	for i, v := range xd {
		j := i % c
		xhat[i] = (v - mean[j]) * invStd[j]
		out.Data[i] = xhat[i] + offset.value.Data[j]
	}
	return x.tape.record(out, []*Var{x, offset}, func(g *Tensor) {
		sumG := make([]float64, c)
		sumGX := make([]float64, c)
		for i, gv := range g.Data {
			sumG[i%c] += gv
			sumGX[i%c] += gv * xhat[i]
		}
		if offset.needsGrad {
			accumulate(offset, &Tensor{Shape: []int{c}, Data: sumG})
		}
		if x.needsGrad {
			gx := Zeros(x.value.Shape...)
			fm := float64(m)
			for i, gv := range g.Data {
				j := i % c
				gx.Data[i] = invStd[j] / fm * (fm*gv - sumG[j] - xhat[i]*sumGX[j])
			}
			accumulate(x, gx)
		}
	})
}

// LayerNorm normalizes every sample (axis 0) over all remaining axes, then
// applies gain and offset [C] along the last axis.
func LayerNorm(x, gain, offset *Var, eps float64) *Var {
	c := x.value.Dim(-1)
	if gain.value.Size() != c || offset.value.Size() != c {
		panic(fmt.Sprintf("autodiff: LayerNorm params on %v", x.value.Shape))
	}
	n := x.value.Shape[0]
	xd := x.value.Data
	d := len(xd) / n
	xhat := make([]float64, len(xd))
	invStd := make([]float64, n)
	out := Zeros(x.value.Shape...)
	gd, od := gain.value.Data, offset.value.Data
	for b := 0; b < n; b++ {
		row := xd[b*d : (b+1)*d]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(d)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		invStd[b] = 1 / math.Sqrt(variance/float64(d)+eps)
		for i, v := range row {
			k := b*d + i
			xhat[k] = (v - mean) * invStd[b]
			out.Data[k] = xhat[k]*gd[k%c] + od[k%c]
		}
	}
	return x.tape.record(out, []*Var{x, gain, offset}, func(g *Tensor) {
		if gain.needsGrad || offset.needsGrad {
			gg := Zeros(c)
			gOff := Zeros(c)
			for k, gv := range g.Data {
				gg.Data[k%c] += gv * xhat[k]
				gOff.Data[k%c] += gv
			}
			accumulate(gain, gg)
			accumulate(offset, gOff)
		}
		if !x.needsGrad {
			return
		}
		gx := Zeros(x.value.Shape...)
		fd := float64(d)
		for b := 0; b < n; b++ {
			var sumH, sumHX float64
			for i := 0; i < d; i++ {
				k := b*d + i
				h := g.Data[k] * gd[k%c]
				sumH += h
				sumHX += h * xhat[k]
			}
			for i := 0; i < d; i++ {
				k := b*d + i
				h := g.Data[k] * gd[k%c]
				gx.Data[k] = invStd[b] / fd * (fd*h - sumH - xhat[k]*sumHX)
			}
		}
		accumulate(x, gx)
	})
}
