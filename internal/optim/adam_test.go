package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	a, err := NewAdam(Options{})
	require.NoError(t, err)

	param := []float64{1, -1, 0.5}
	require.NoError(t, a.Step(0.01, []Update{{Name: "w", Param: param, Grad: []float64{3, -0.2, 1e-3}}}))

	// With bias correction the first step is lr·sign(g) up to ε.
	assert.InDelta(t, 0.99, param[0], 1e-6)
	assert.InDelta(t, -0.99, param[1], 1e-6)
	assert.InDelta(t, 0.49, param[2], 1e-4)
	assert.Equal(t, int64(1), a.CurrentStep())
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	a, err := NewAdam(Options{})
	require.NoError(t, err)

	x := []float64{5, -3}
	for i := 0; i < 2000; i++ {
		g := []float64{2 * (x[0] - 1), 2 * (x[1] + 2)}
		require.NoError(t, a.Step(0.05, []Update{{Name: "x", Param: x, Grad: g}}))
	}
	assert.InDelta(t, 1, x[0], 1e-2)
	assert.InDelta(t, -2, x[1], 1e-2)
}

func TestAdamSharesStepCounter(t *testing.T) {
	a, err := NewAdam(Options{})
	require.NoError(t, err)

	p, q := []float64{0}, []float64{0}
	require.NoError(t, a.Step(0.1, []Update{{Name: "p", Param: p, Grad: []float64{1}}}))
	require.NoError(t, a.Step(0.1, []Update{{Name: "q", Param: q, Grad: []float64{1}}}))

	// q's first update happens at t=2, so its bias correction differs from
	// a fresh parameter at t=1.
	assert.Equal(t, int64(2), a.CurrentStep())
	assert.NotEqual(t, p[0], q[0])
	assert.Less(t, q[0], 0.0)
}

func TestAdamRejectsBadInputWithoutWriting(t *testing.T) {
	a, err := NewAdam(Options{})
	require.NoError(t, err)

	p := []float64{1, 2}
	assert.Error(t, a.Step(0.1, []Update{{Name: "p", Param: p, Grad: []float64{math.NaN(), 0}}}))
	assert.Error(t, a.Step(0, []Update{{Name: "p", Param: p, Grad: []float64{1, 1}}}))
	assert.Error(t, a.Step(0.1, []Update{{Name: "p", Param: p, Grad: []float64{1}}}))
	assert.Equal(t, []float64{1, 2}, p)
	assert.Equal(t, int64(0), a.CurrentStep())

	require.NoError(t, a.Step(0.1, []Update{{Name: "p", Param: p, Grad: []float64{1, 1}}}))
	assert.Error(t, a.Step(0.1, []Update{{Name: "p", Param: []float64{0}, Grad: []float64{1}}}), "size change")

	a.Reset()
	assert.Equal(t, int64(0), a.CurrentStep())
	assert.NoError(t, a.Step(0.1, []Update{{Name: "p", Param: []float64{0}, Grad: []float64{1}}}))
}

func TestNewAdamRejectsBetaOne(t *testing.T) {
	_, err := NewAdam(Options{Beta1: 1})
	assert.Error(t, err)
	_, err = NewAdam(Options{Beta2: 1.5})
	assert.Error(t, err)
}
