package models

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/jmhessel/gpytorch/internal/gp"
	"github.com/jmhessel/gpytorch/internal/gp/datasets"
	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/means"
)

func smallClassifier(t *testing.T) *GPClassifier {
	t.Helper()
	x, y := datasets.SignCosLine(5)
	// A short lengthscale keeps the prior over five alternating labels well
	// conditioned.
	m, err := NewGPClassifier(x, y,
		means.NewConstantMean(0, gp.Bound{Min: -1e-5, Max: 1e-5}),
		kernels.NewScaledRBFKernel(-1.9, gp.Bound{Min: -5, Max: 6}, 0, gp.Bound{Min: -5, Max: 6}),
	)
	require.NoError(t, err)
	return m
}

func TestGPClassifierValidation(t *testing.T) {
	mean := means.ZeroMean{}
	kernel := kernels.NewRBFKernel(0, gp.Bound{Min: -5, Max: 6})

	t.Run("nil input", func(t *testing.T) {
		_, err := NewGPClassifier(nil, nil, mean, kernel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be nil")
	})

	t.Run("bad labels", func(t *testing.T) {
		x := mat.NewDense(3, 1, []float64{0, 0.5, 1})
		_, err := NewGPClassifier(x, []float64{1, 0, -1}, mean, kernel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "want -1 or +1")
	})

	t.Run("mismatched dimensions", func(t *testing.T) {
		x := mat.NewDense(3, 1, []float64{0, 0.5, 1})
		_, err := NewGPClassifier(x, []float64{1, -1}, mean, kernel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
	})

	t.Run("predict before fit", func(t *testing.T) {
		x := mat.NewDense(3, 1, []float64{0, 0.5, 1})
		m, err := NewGPClassifier(x, []float64{1, -1, 1}, mean, kernel)
		require.NoError(t, err)
		_, err = m.Predict(x)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not fitted")
	})
}

// TestVariationalGradient checks the analytic negative-ELBO gradient against
// central finite differences.
func TestVariationalGradient(t *testing.T) {
	m := smallClassifier(t)
	// Move off the symmetric starting point so every gradient component is
	// informative.
	for i := range m.vmean {
		m.vmean[i] = 0.3 * float64(i-2)
		m.vlogvar[i] = -0.1 * float64(i)
	}

	theta := m.hyperparameters()
	mem := m.newElboMemory(len(theta))
	defer m.releaseElboMemory(mem)

	loss := func(theta []float64) float64 {
		require.True(t, m.ensure(theta, mem), "prior must factorize")
		return m.negELBO(mem)
	}

	grad := make([]float64, len(theta))
	require.True(t, m.ensure(theta, mem))
	m.gradient(grad, mem)

	const h = 1e-6
	for p := range theta {
		bump := append([]float64(nil), theta...)
		bump[p] = theta[p] + h
		plus := loss(bump)
		bump[p] = theta[p] - h
		minus := loss(bump)
		want := (plus - minus) / (2 * h)
		assert.InDeltaf(t, want, grad[p], 1e-4*(1+math.Abs(want)), "gradient component %d", p)
	}
}

// TestBernoulliClassification reproduces the training setup for the
// sign(cos(4 pi x)) labels: after 50 iterations the model must classify
// every training point correctly, with and without the fast variance path.
func TestBernoulliClassification(t *testing.T) {
	_ = testSeed(t)

	x, y := datasets.SignCosLine(10)
	m, err := NewGPClassifier(x, y,
		means.NewConstantMean(0, gp.Bound{Min: -1e-5, Max: 1e-5}),
		kernels.NewScaledRBFKernel(0, gp.Bound{Min: -5, Max: 6}, 0, gp.Bound{Min: -5, Max: 6}),
	)
	require.NoError(t, err)

	err = m.Fit(context.Background(), gp.FitOptions{MaxIterations: 50})
	require.NoError(t, err)

	for name, predict := range map[string]func(*mat.Dense) ([]float64, error){
		"exact": m.PredictClasses,
		"fast":  m.PredictClassesFast,
	} {
		t.Run(name, func(t *testing.T) {
			classes, err := predict(x)
			require.NoError(t, err)

			var wrong float64
			for i, want := range y {
				if classes[i] != want {
					wrong++
				}
			}
			errorRate := wrong / float64(len(y))
			assert.Less(t, errorRate, 1e-5, "training error rate")
		})
	}
}

// TestClassifierKernelAdapts fits from a unit-lengthscale start and checks
// that the kernel moves toward the label pattern instead of collapsing: the
// alternating sign(cos(4 pi x)) labels force a shorter lengthscale, and the
// outputscale must stay away from zero, where the bound degenerates and the
// latent means vanish.
func TestClassifierKernelAdapts(t *testing.T) {
	x, y := datasets.SignCosLine(10)
	kernel := kernels.NewScaledRBFKernel(0, gp.Bound{Min: -5, Max: 6}, 0, gp.Bound{Min: -5, Max: 6})
	m, err := NewGPClassifier(x, y,
		means.NewConstantMean(0, gp.Bound{Min: -1e-5, Max: 1e-5}),
		kernel,
	)
	require.NoError(t, err)
	require.NoError(t, m.Fit(context.Background(), gp.FitOptions{MaxIterations: 50}))

	assert.Less(t, kernel.Lengthscale(), 0.9, "lengthscale should shorten toward the label pattern")
	assert.Greater(t, kernel.Outputscale(), 0.1, "outputscale should not collapse")

	var latentZero int
	for i := range m.vmean {
		if math.Abs(m.vmean[i]) < 1e-3 {
			latentZero++
		}
	}
	assert.Less(t, latentZero, len(m.vmean), "latent means should not all vanish")
}

// TestGPClassifierConcurrentPredict runs predictions from several goroutines
// against one fitted model. A fitted model is read-only, so concurrent
// callers must see identical results.
func TestGPClassifierConcurrentPredict(t *testing.T) {
	m := smallClassifier(t)
	require.NoError(t, m.Fit(context.Background(), gp.FitOptions{MaxIterations: 20}))

	x, _ := datasets.SignCosLine(5)
	want, err := m.PredictFast(x)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probs, err := m.PredictFast(x)
			assert.NoError(t, err)
			assert.True(t, mat.EqualApprox(want, probs, 1e-12))
		}()
	}
	wg.Wait()
}

func TestGPClassifierProbabilities(t *testing.T) {
	m := smallClassifier(t)
	require.NoError(t, m.Fit(context.Background(), gp.FitOptions{MaxIterations: 50}))

	x, y := datasets.SignCosLine(5)
	probs, err := m.Predict(x)
	require.NoError(t, err)
	for i := 0; i < probs.Len(); i++ {
		p := probs.AtVec(i)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		if y[i] > 0 {
			assert.Greater(t, p, 0.5, "positive training point %d", i)
		} else {
			assert.Less(t, p, 0.5, "negative training point %d", i)
		}
	}
}

func TestGPClassifierFitCancellation(t *testing.T) {
	m := smallClassifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Fit(ctx, gp.FitOptions{MaxIterations: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
