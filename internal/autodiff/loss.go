package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MSE returns the mean of (pred - label)² over every element. label is
// treated as a constant.
func MSE(pred *Var, label *Tensor) *Var {
	if pred.value.Size() != label.Size() {
		panic(fmt.Sprintf("autodiff: MSE pred %v label %v", pred.value.Shape, label.Shape))
	}
	diff := make([]float64, label.Size())
	floats.SubTo(diff, pred.value.Data, label.Data)
	n := float64(len(diff))
	loss := floats.Dot(diff, diff) / n
	return pred.tape.record(Scalar(loss), []*Var{pred}, func(g *Tensor) {
		gp := &Tensor{Shape: pred.value.Shape, Data: make([]float64, len(diff))}
		floats.ScaleTo(gp.Data, 2*g.Data[0]/n, diff)
		accumulate(pred, gp)
	})
}

// SoftmaxCrossEntropy returns Σᵢ CE(softmax(logitsᵢ), labelsᵢ) / normalizer for
// 2-D logits [N,C] and constant labels of the same shape.
func SoftmaxCrossEntropy(logits *Var, labels *Tensor, normalizer float64) *Var {
	must2D("SoftmaxCrossEntropy", logits)
	if !SameShape(logits.value, labels) {
		panic(fmt.Sprintf("autodiff: SoftmaxCrossEntropy logits %v labels %v", logits.value.Shape, labels.Shape))
	}
	probs := Softmax(logits.value)
	n, c := labels.Shape[0], labels.Shape[1]
	var loss float64
	for i := 0; i < n; i++ {
		row := logits.value.Data[i*c : (i+1)*c]
		lse := logSumExp(row)
		for j := 0; j < c; j++ {
			if y := labels.Data[i*c+j]; y != 0 {
				loss -= y * (row[j] - lse)
			}
		}
	}
	loss /= normalizer
	return logits.tape.record(Scalar(loss), []*Var{logits}, func(g *Tensor) {
		gl := Zeros(n, c)
		k := g.Data[0] / normalizer
		for i := range gl.Data {
			gl.Data[i] = k * (probs.Data[i] - labels.Data[i])
		}
		accumulate(logits, gl)
	})
}

// Softmax applies a row-wise softmax to a 2-D tensor.
func Softmax(t *Tensor) *Tensor {
	n, c := t.Shape[0], t.Shape[1]
	out := Zeros(n, c)
	for i := 0; i < n; i++ {
		row := t.Data[i*c : (i+1)*c]
		lse := logSumExp(row)
		for j, v := range row {
			out.Data[i*c+j] = math.Exp(v - lse)
		}
	}
	return out
}

func logSumExp(row []float64) float64 {
	m := floats.Max(row)
	var s float64
	for _, v := range row {
		s += math.Exp(v - m)
	}
	return m + math.Log(s)
}

// Accuracy is the fraction of rows where argmax(softmax(pred)) equals
// argmax(label).
func Accuracy(pred, label *Tensor) float64 {
	n := pred.Shape[0]
	if n == 0 {
		return 0
	}
	c := pred.Shape[1]
	probs := Softmax(pred)
	hits := 0
	for i := 0; i < n; i++ {
		if floats.MaxIdx(probs.Data[i*c:(i+1)*c]) == floats.MaxIdx(label.Data[i*c:(i+1)*c]) {
			hits++
		}
	}
	return float64(hits) / float64(n)
}
