package autodiff

import "fmt"

// samePadding returns the output size and leading pad for SAME padding.
func samePadding(in, k, stride int) (out, pad int) {
	out = (in + stride - 1) / stride
	total := (out-1)*stride + k - in
	if total < 0 {
		total = 0
	}
	return out, total / 2
}

// Conv2D convolves NHWC input x [N,H,W,C] with filter w [K,K,C,F] using SAME
// padding and the given stride, producing [N,Ho,Wo,F].
func Conv2D(x, w *Var, stride int) *Var {
	xs, ws := x.value.Shape, w.value.Shape
	if len(xs) != 4 || len(ws) != 4 || ws[0] != ws[1] || xs[3] != ws[2] {
		panic(fmt.Sprintf("autodiff: Conv2D input %v filter %v", xs, ws))
	}
	n, h, wd, c := xs[0], xs[1], xs[2], xs[3]
	k, f := ws[0], ws[3]
	ho, padT := samePadding(h, k, stride)
	wo, padL := samePadding(wd, k, stride)

	xd, wdat := x.value.Data, w.value.Data
	out := Zeros(n, ho, wo, f)
	od := out.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				obase := ((b*ho+oy)*wo + ox) * f
				for ky := 0; ky < k; ky++ {
					iy := oy*stride + ky - padT
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*stride + kx - padL
						if ix < 0 || ix >= wd {
							continue
						}
						ibase := ((b*h+iy)*wd + ix) * c
						wbase := (ky*k + kx) * c * f
						for ci := 0; ci < c; ci++ {
							xv := xd[ibase+ci]
							if xv == 0 {
								continue
							}
							wrow := wdat[wbase+ci*f : wbase+(ci+1)*f]
							orow := od[obase : obase+f]
							for fi, wv := range wrow {
								orow[fi] += xv * wv
							}
						}
					}
				}
			}
		}
	}

	return x.tape.record(out, []*Var{x, w}, func(g *Tensor) {
		var gx, gw *Tensor
		if x.needsGrad {
			gx = Zeros(xs...)
		}
		if w.needsGrad {
			gw = Zeros(ws...)
		}
		gd := g.Data
		for b := 0; b < n; b++ {
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					grow := gd[((b*ho+oy)*wo+ox)*f : ((b*ho+oy)*wo+ox+1)*f]
					for ky := 0; ky < k; ky++ {
						iy := oy*stride + ky - padT
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*stride + kx - padL
							if ix < 0 || ix >= wd {
								continue
							}
							ibase := ((b*h+iy)*wd + ix) * c
							wbase := (ky*k + kx) * c * f
							for ci := 0; ci < c; ci++ {
								woff := wbase + ci*f
								if gx != nil {
									var s float64
									for fi, gv := range grow {
										s += gv * wdat[woff+fi]
									}
									gx.Data[ibase+ci] += s
								}
								if gw != nil {
									xv := xd[ibase+ci]
									if xv == 0 {
										continue
									}
									for fi, gv := range grow {
										gw.Data[woff+fi] += xv * gv
									}
								}
							}
						}
					}
				}
			}
		}
		if gx != nil {
			accumulate(x, gx)
		}
		if gw != nil {
			accumulate(w, gw)
		}
	})
}

// MaxPool2x2 applies 2×2 max pooling with stride 2 and VALID padding to an
// NHWC var. Gradient goes to the first maximal element of each window.
func MaxPool2x2(x *Var) *Var {
	xs := x.value.Shape
	if len(xs) != 4 {
		panic(fmt.Sprintf("autodiff: MaxPool2x2 on %v", xs))
	}
	n, h, w, c := xs[0], xs[1], xs[2], xs[3]
	ho, wo := h/2, w/2
	out := Zeros(n, ho, wo, c)
	argmax := make([]int, out.Size())
	xd := x.value.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				for ci := 0; ci < c; ci++ {
					best := -1
					for dy := 0; dy < 2; dy++ {
						for dx := 0; dx < 2; dx++ {
							idx := ((b*h+oy*2+dy)*w+ox*2+dx)*c + ci
							if best < 0 || xd[idx] > xd[best] {
								best = idx
							}
						}
					}
					o := ((b*ho+oy)*wo+ox)*c + ci
					out.Data[o] = xd[best]
					argmax[o] = best
				}
			}
		}
	}
	return x.tape.record(out, []*Var{x}, func(g *Tensor) {
		gx := Zeros(xs...)
		for o, src := range argmax {
			gx.Data[src] += g.Data[o]
		}
		accumulate(x, gx)
	})
}

// ConvOutputSize returns the spatial size after one conv block: SAME conv
// with the given stride, then an optional 2×2 VALID pool.
func ConvOutputSize(in, stride int, pool bool) int {
	out, _ := samePadding(in, 3, stride)
	if pool {
		out /= 2
	}
	return out
}
