// Package dataset produces synthetic few-shot tasks and streams them as
// meta-batches in a deterministic order.
package dataset

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"ridge-forge/internal/autodiff"
	"ridge-forge/internal/model"
)

// Generator draws one task from a seed. Equal seeds give equal tasks.
type Generator interface {
	Task(seed uint64) (model.Task, error)
}

// Sinusoid draws regression tasks y = A·sin(x - φ) with A in [0.1, 5],
// φ in [0, π] and x in [-5, 5].
type Sinusoid struct {
	KShot    int
	NumQuery int
}

// Task draws the sinusoid task for seed.
func (g Sinusoid) Task(seed uint64) (model.Task, error) {
	if g.KShot <= 0 || g.NumQuery <= 0 {
		return model.Task{}, fmt.Errorf("sinusoid: k-shot and query count must be > 0 (got %d, %d)", g.KShot, g.NumQuery)
	}
	src := rand.NewSource(seed)
	amp := distuv.Uniform{Min: 0.1, Max: 5, Src: src}.Rand()
	phase := distuv.Uniform{Min: 0, Max: math.Pi, Src: src}.Rand()
	fn := func(x float64) float64 { return amp * math.Sin(x-phase) }
	return regressionTask(src, g.KShot, g.NumQuery, -5, 5, fn, 0), nil
}

// Linear draws regression tasks y = Slope·x + Intercept + N(0, Noise²)
// with x uniform in [-1, 1]. With SlopeSpread or InterceptSpread set, each
// task perturbs the coefficients uniformly by up to that amount.
type Linear struct {
	KShot           int
	NumQuery        int
	Slope           float64
	Intercept       float64
	SlopeSpread     float64
	InterceptSpread float64
	Noise           float64
}

// Task draws the linear task for seed.
func (g Linear) Task(seed uint64) (model.Task, error) {
	if g.KShot <= 0 || g.NumQuery <= 0 {
		return model.Task{}, fmt.Errorf("linear: k-shot and query count must be > 0 (got %d, %d)", g.KShot, g.NumQuery)
	}
	if g.Noise < 0 || g.SlopeSpread < 0 || g.InterceptSpread < 0 {
		return model.Task{}, errors.New("linear: noise and spreads must be >= 0")
	}
	src := rand.NewSource(seed)
	slope, intercept := g.Slope, g.Intercept
	if g.SlopeSpread > 0 {
		slope += distuv.Uniform{Min: -g.SlopeSpread, Max: g.SlopeSpread, Src: src}.Rand()
	}
	if g.InterceptSpread > 0 {
		intercept += distuv.Uniform{Min: -g.InterceptSpread, Max: g.InterceptSpread, Src: src}.Rand()
	}
	fn := func(x float64) float64 { return slope*x + intercept }
	return regressionTask(src, g.KShot, g.NumQuery, -1, 1, fn, g.Noise), nil
}

func regressionTask(src rand.Source, kShot, numQuery int, lo, hi float64, fn func(float64) float64, noise float64) model.Task {
	xs := distuv.Uniform{Min: lo, Max: hi, Src: src}
	eps := distuv.Normal{Mu: 0, Sigma: noise, Src: src}
	draw := func(n int) (*autodiff.Tensor, *autodiff.Tensor) {
		x, y := autodiff.Zeros(n, 1), autodiff.Zeros(n, 1)
		for i := 0; i < n; i++ {
			x.Data[i] = xs.Rand()
			y.Data[i] = fn(x.Data[i])
			if noise > 0 {
				y.Data[i] += eps.Rand()
			}
		}
		return x, y
	}
	sx, sy := draw(kShot)
	qx, qy := draw(numQuery)
	return model.Task{SupportX: sx, SupportY: sy, QueryX: qx, QueryY: qy}
}

// Prototypes draws N-way K-shot image classification tasks. Each class is a
// random prototype image with pixels uniform in [0, 1]; examples add
// N(0, Noise²) pixel noise. Labels are one-hot and example order is shuffled.
type Prototypes struct {
	NWay      int
	KShot     int
	NumQuery  int // per class
	ImageSize int
	Channels  int
	Noise     float64
}

// Task draws the classification task for seed.
func (g Prototypes) Task(seed uint64) (model.Task, error) {
	if g.NWay < 2 {
		return model.Task{}, fmt.Errorf("prototypes: need at least 2 classes (got %d)", g.NWay)
	}
	if g.KShot <= 0 || g.NumQuery <= 0 || g.ImageSize <= 0 || g.Channels <= 0 {
		return model.Task{}, errors.New("prototypes: k-shot, query count, image size and channels must be > 0")
	}
	src := rand.NewSource(seed)
	rng := rand.New(src)
	width := g.ImageSize * g.ImageSize * g.Channels
	pixel := distuv.Uniform{Min: 0, Max: 1, Src: src}
	eps := distuv.Normal{Mu: 0, Sigma: g.Noise, Src: src}

	protos := make([][]float64, g.NWay)
	for c := range protos {
		protos[c] = make([]float64, width)
		for i := range protos[c] {
			protos[c][i] = pixel.Rand()
		}
	}
	draw := func(perClass int) (*autodiff.Tensor, *autodiff.Tensor) {
		n := perClass * g.NWay
		x, y := autodiff.Zeros(n, width), autodiff.Zeros(n, g.NWay)
		for row, idx := range rng.Perm(n) {
			c := idx % g.NWay
			dst := x.Data[row*width : (row+1)*width]
			copy(dst, protos[c])
			if g.Noise > 0 {
				for i := range dst {
					dst[i] += eps.Rand()
				}
			}
			y.Data[row*g.NWay+c] = 1
		}
		return x, y
	}
	sx, sy := draw(g.KShot)
	qx, qy := draw(g.NumQuery)
	return model.Task{SupportX: sx, SupportY: sy, QueryX: qx, QueryY: qy}, nil
}
