package models

import (
	"context"
	"math"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/jmhessel/gpytorch/internal/gp"
	"github.com/jmhessel/gpytorch/internal/gp/datasets"
	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/likelihoods"
	"github.com/jmhessel/gpytorch/internal/gp/means"
)

// testSeed returns a fixed seed unless UNLOCK_SEED is set to something other
// than "false", in which case a fresh seed is drawn and logged.
func testSeed(t *testing.T) int64 {
	t.Helper()
	if v := os.Getenv("UNLOCK_SEED"); v != "" && v != "false" {
		seed := time.Now().UnixNano()
		t.Logf("random seed %d", seed)
		return seed
	}
	return 0
}

func smallRegressor(t *testing.T) *GPRegressor {
	t.Helper()
	x := mat.NewDense(6, 1, []float64{0, 0.2, 0.4, 0.6, 0.8, 1})
	y := mat.NewVecDense(6, []float64{0.1, 0.9, 1.4, 1.1, 0.3, -0.6})
	m, err := NewGPRegressor(x, y,
		means.NewConstantMean(0, gp.Bound{Min: -1, Max: 1}),
		kernels.NewScaledRBFKernel(-0.5, gp.Bound{Min: -5, Max: 6}, 0.2, gp.Bound{Min: -5, Max: 6}),
		likelihoods.NewGaussianLikelihood(0.1),
	)
	require.NoError(t, err)
	return m
}

func TestGPRegressorValidation(t *testing.T) {
	mean := means.ZeroMean{}
	kernel := kernels.NewRBFKernel(0, gp.Bound{Min: -3, Max: 3})
	likelihood := likelihoods.NewGaussianLikelihood(0.1)

	t.Run("nil input", func(t *testing.T) {
		_, err := NewGPRegressor(nil, nil, mean, kernel, likelihood)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be nil")
	})

	t.Run("mismatched dimensions", func(t *testing.T) {
		x := mat.NewDense(3, 1, []float64{1, 2, 3})
		y := mat.NewVecDense(2, []float64{1, 2})
		_, err := NewGPRegressor(x, y, mean, kernel, likelihood)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
	})

	t.Run("predict before fit", func(t *testing.T) {
		x := mat.NewDense(3, 1, []float64{1, 2, 3})
		y := mat.NewVecDense(3, []float64{1, 2, 1})
		m, err := NewGPRegressor(x, y, mean, kernel, likelihood)
		require.NoError(t, err)
		_, _, err = m.Predict(x)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not fitted")
	})
}

// TestExactGradient checks the analytic marginal log-likelihood gradient
// against central finite differences of the objective.
func TestExactGradient(t *testing.T) {
	m := smallRegressor(t)
	theta := m.hyperparameters()
	mem := m.newFitMemory(len(theta))
	defer m.releaseFitMemory(mem)

	n := m.y.Len()
	nll := func(theta []float64) float64 {
		require.True(t, m.ensure(theta, mem), "covariance must factorize")
		return (mat.Dot(mem.resid, mem.alpha) + mem.chol.LogDet()) / float64(n)
	}

	grad := make([]float64, len(theta))
	require.True(t, m.ensure(theta, mem))
	m.gradient(grad, mem)

	const h = 1e-6
	for p := range theta {
		bump := append([]float64(nil), theta...)
		bump[p] = theta[p] + h
		plus := nll(bump)
		bump[p] = theta[p] - h
		minus := nll(bump)
		want := (plus - minus) / (2 * h)
		assert.InDeltaf(t, want, grad[p], 1e-4, "gradient component %d", p)
	}
}

func TestGPRegressorFitPredict(t *testing.T) {
	m := smallRegressor(t)
	err := m.Fit(context.Background(), gp.FitOptions{MaxIterations: 30})
	require.NoError(t, err)

	// Predictions at the training points should be close once the noise has
	// been trained down.
	x := mat.NewDense(6, 1, []float64{0, 0.2, 0.4, 0.6, 0.8, 1})
	mean, variance, err := m.Predict(x)
	require.NoError(t, err)
	want := []float64{0.1, 0.9, 1.4, 1.1, 0.3, -0.6}
	for i, w := range want {
		assert.InDelta(t, w, mean.AtVec(i), 0.3)
		assert.GreaterOrEqual(t, variance.AtVec(i), 0.0)
	}
}

func TestGPRegressorFitCancellation(t *testing.T) {
	m := smallRegressor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Fit(ctx, gp.FitOptions{MaxIterations: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestKissGPMultiplicativeRegression trains a grid-interpolation GP on a
// 30x30 lattice of (sin(x1) + cos(x2)) * 2 pi values and checks the mean
// absolute error on a held-out 10x10 lattice.
func TestKissGPMultiplicativeRegression(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full lattice training in short mode")
	}
	_ = testSeed(t)

	trainX, trainYRaw := datasets.SinCosGrid(30)
	trainY := mat.NewVecDense(len(trainYRaw), trainYRaw)

	base := kernels.NewRBFKernel(0, gp.Bound{Min: -3, Max: 3})
	kernel := kernels.NewMultiplicativeGridInterpolationKernel(base, 100, gp.Bound{Min: 0, Max: 1}, 2)
	m, err := NewGPRegressor(trainX, trainY,
		means.NewConstantMean(0, gp.Bound{Min: -1, Max: 1}),
		kernel,
		likelihoods.NewGaussianLikelihood(0.04),
	)
	require.NoError(t, err)

	err = m.Fit(context.Background(), gp.FitOptions{MaxIterations: 15})
	require.NoError(t, err)

	testX, testY := datasets.SinCosGrid(10)
	mean, variance, err := m.PredictFast(testX)
	require.NoError(t, err)

	var mae float64
	for i, want := range testY {
		mae += math.Abs(mean.AtVec(i) - want)
		assert.GreaterOrEqual(t, variance.AtVec(i), 0.0)
	}
	mae /= float64(len(testY))
	assert.Less(t, mae, 0.15, "mean absolute error on the test lattice")
}

// TestFastVarianceNeverUndershoots verifies that the rank-limited variance
// approximation is an upper bound on the exact predictive variance.
func TestFastVarianceNeverUndershoots(t *testing.T) {
	m := smallRegressor(t)
	m.fastRank = 3 // force truncation
	require.NoError(t, m.Fit(context.Background(), gp.FitOptions{MaxIterations: 10}))

	x := mat.NewDense(5, 1, []float64{0.05, 0.3, 0.55, 0.77, 0.93})
	_, exact, err := m.Predict(x)
	require.NoError(t, err)
	_, approx, err := m.PredictFast(x)
	require.NoError(t, err)

	for i := 0; i < x.RawMatrix().Rows; i++ {
		assert.GreaterOrEqual(t, approx.AtVec(i)+1e-10, exact.AtVec(i),
			"approximate variance must not undershoot the exact one")
	}
}

// TestGPRegressorConcurrentPredict runs predictions from several goroutines
// against one fitted model. A fitted model is read-only, so concurrent
// callers must see identical results.
func TestGPRegressorConcurrentPredict(t *testing.T) {
	m := smallRegressor(t)
	require.NoError(t, m.Fit(context.Background(), gp.FitOptions{MaxIterations: 10}))

	x := mat.NewDense(3, 1, []float64{0.1, 0.5, 0.9})
	wantMean, wantVar, err := m.PredictFast(x)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mean, variance, err := m.PredictFast(x)
			assert.NoError(t, err)
			assert.True(t, mat.EqualApprox(wantMean, mean, 1e-12))
			assert.True(t, mat.EqualApprox(wantVar, variance, 1e-12))
		}()
	}
	wg.Wait()
}

func TestGPRegressorSampling(t *testing.T) {
	m := smallRegressor(t)
	require.NoError(t, m.Fit(context.Background(), gp.FitOptions{MaxIterations: 10}))

	rng := rand.New(rand.NewSource(testSeed(t)))
	x := mat.NewDense(4, 1, []float64{0.1, 0.35, 0.6, 0.85})
	samples, err := m.Sample(x, 5, rng)
	require.NoError(t, err)

	nPoints, nSamples := samples.Dims()
	assert.Equal(t, 4, nPoints)
	assert.Equal(t, 5, nSamples)

	for j := 1; j < nSamples; j++ {
		same := true
		for i := 0; i < nPoints; i++ {
			if samples.At(i, j) != samples.At(i, 0) {
				same = false
				break
			}
		}
		assert.False(t, same, "samples should differ")
	}
}
