package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/jmhessel/gpytorch/internal/gp"
	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/likelihoods"
	"github.com/jmhessel/gpytorch/internal/gp/means"
)

const (
	defaultMaxIterations     = 50
	defaultGradientThreshold = 1e-4
	defaultFastVarRank       = 100
)

// ErrSingular is returned when the training covariance matrix cannot be
// factorized even after jitter escalation.
var ErrSingular = errors.New("models: covariance matrix singular or near singular")

// GPRegressor is an exact Gaussian Process regression model. Fit maximizes
// the exact marginal log-likelihood over the mean, kernel and noise
// hyperparameters with analytic gradients.
type GPRegressor struct {
	mean       means.Mean
	kernel     kernels.Kernel
	likelihood *likelihoods.GaussianLikelihood

	x *mat.Dense
	y *mat.VecDense

	// Cached after Fit.
	chol  *mat.Cholesky
	alpha *mat.VecDense
	fast  *fastVarCache

	fastRank int
	pool     *MatrixPool
	logger   *zap.Logger
}

// NewGPRegressor creates an exact GP regression model over the given
// training data.
func NewGPRegressor(x *mat.Dense, y *mat.VecDense, mean means.Mean, kernel kernels.Kernel, likelihood *likelihoods.GaussianLikelihood) (*GPRegressor, error) {
	const op = "GPRegressor.New"
	if x == nil || y == nil {
		return nil, gp.WrapError(errors.New("training data must not be nil"), "models: "+op)
	}
	n, d := x.Dims()
	if n == 0 || d == 0 {
		return nil, gp.WrapError(errors.New("training inputs must not be empty"), "models: "+op)
	}
	if n != y.Len() {
		err := fmt.Errorf("dimension mismatch: x has %d samples but y has length %d", n, y.Len())
		return nil, gp.WrapError(err, "models: "+op)
	}
	if mean == nil || kernel == nil || likelihood == nil {
		return nil, gp.WrapError(errors.New("mean, kernel and likelihood must not be nil"), "models: "+op)
	}
	return &GPRegressor{
		mean:       mean,
		kernel:     kernel,
		likelihood: likelihood,
		x:          mat.DenseCopyOf(x),
		y:          mat.VecDenseCopyOf(y),
		fastRank:   defaultFastVarRank,
		pool:       NewMatrixPool(),
		logger:     zap.NewNop(),
	}, nil
}

// SetLogger replaces the model's logger.
func (m *GPRegressor) SetLogger(logger *zap.Logger) {
	if logger != nil {
		m.logger = logger.Named("gp_regressor")
	}
}

// Likelihood returns the model's Gaussian likelihood.
func (m *GPRegressor) Likelihood() *likelihoods.GaussianLikelihood { return m.likelihood }

// hyperparameters packs [mean params, kernel params, log noise].
func (m *GPRegressor) hyperparameters() []float64 {
	theta := m.mean.Hyperparameters(nil)
	theta = m.kernel.Hyperparameters(theta)
	return append(theta, m.likelihood.LogNoise())
}

// setHyperparameters unpacks a parameter vector produced by hyperparameters.
func (m *GPRegressor) setHyperparameters(theta []float64) error {
	nm := m.mean.NumHyperparameters()
	nk := m.kernel.NumHyperparameters()
	if len(theta) != nm+nk+1 {
		return fmt.Errorf("expected %d parameters, got %d", nm+nk+1, len(theta))
	}
	if err := m.mean.SetHyperparameters(theta[:nm]); err != nil {
		return err
	}
	if err := m.kernel.SetHyperparameters(theta[nm : nm+nk]); err != nil {
		return err
	}
	m.likelihood.SetLogNoise(theta[nm+nk])
	return nil
}

// exactFitMemory reuses allocations across objective evaluations.
type exactFitMemory struct {
	lastX      []float64
	k          *mat.SymDense
	chol       mat.Cholesky
	kinv       *mat.SymDense
	resid      *mat.VecDense
	alpha      *mat.VecDense
	factorized bool
	valid      bool
}

func (m *GPRegressor) newFitMemory(nHyper int) *exactFitMemory {
	n := m.y.Len()
	mem := &exactFitMemory{
		lastX: make([]float64, nHyper),
		k:     m.pool.GetSymDense(n),
		kinv:  m.pool.GetSymDense(n),
		resid: m.pool.GetVecDense(n),
		alpha: m.pool.GetVecDense(n),
	}
	for i := range mem.lastX {
		mem.lastX[i] = math.NaN()
	}
	return mem
}

// setCovariance fills k with the kernel matrix over the training inputs
// plus the observation noise on the diagonal.
func (m *GPRegressor) setCovariance(k *mat.SymDense, noise float64) {
	n, _ := m.x.Dims()
	for i := 0; i < n; i++ {
		xi := m.x.RawRowView(i)
		for j := i; j < n; j++ {
			v := m.kernel.Eval(xi, m.x.RawRowView(j))
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}
}

// ensure refreshes the factorization cached in mem for parameter vector
// theta. It reports whether the covariance could be factorized.
func (m *GPRegressor) ensure(theta []float64, mem *exactFitMemory) bool {
	if mem.factorized && floats.Equal(mem.lastX, theta) {
		return mem.valid
	}
	copy(mem.lastX, theta)
	mem.factorized = true
	mem.valid = false
	if err := m.setHyperparameters(theta); err != nil {
		return false
	}
	m.setCovariance(mem.k, m.likelihood.Noise())
	if ok := mem.chol.Factorize(mem.k); !ok {
		return false
	}
	n := m.y.Len()
	for i := 0; i < n; i++ {
		mem.resid.SetVec(i, m.y.AtVec(i)-m.mean.Value(m.x.RawRowView(i)))
	}
	if err := mem.chol.SolveVecTo(mem.alpha, mem.resid); err != nil {
		return false
	}
	mem.valid = true
	return true
}

// Fit maximizes the exact marginal log-likelihood. The objective is the
// negative log-likelihood scaled by 1/n plus quartic barrier penalties for
// hyperparameters outside their bounds:
//
//	(r^T K^-1 r + log|K|) / n
//
// Hitting the iteration budget in opts is the expected way to stop.
func (m *GPRegressor) Fit(ctx context.Context, opts gp.FitOptions) error {
	const op = "GPRegressor.Fit"
	if opts.MaxIterations < 1 {
		opts.MaxIterations = defaultMaxIterations
	}
	gradTol := opts.GradientThreshold
	if gradTol <= 0 {
		gradTol = defaultGradientThreshold
	}

	n := m.y.Len()
	theta0 := m.hyperparameters()
	bounds := barrierFor(m.mean.Bounds(), m.kernel.Bounds(), []gp.Bound{m.likelihood.Bounds()})
	mem := m.newFitMemory(len(theta0))
	defer m.releaseFitMemory(mem)

	m.logger.Debug("fitting exact GP",
		zap.Int("samples", n),
		zap.Int("hyperparameters", len(theta0)),
		zap.Int("max_iterations", opts.MaxIterations),
	)

	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			if ctx.Err() != nil {
				return math.Inf(1)
			}
			if !m.ensure(theta, mem) {
				return math.Inf(1)
			}
			nll := (mat.Dot(mem.resid, mem.alpha) + mem.chol.LogDet()) / float64(n)
			return nll + gp.Barrier(theta, bounds, nil)
		},
		Grad: func(grad, theta []float64) {
			for i := range grad {
				grad[i] = 0
			}
			if ctx.Err() != nil || !m.ensure(theta, mem) {
				gp.Barrier(theta, bounds, grad)
				return
			}
			m.gradient(grad, mem)
			gp.Barrier(theta, bounds, grad)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   opts.MaxIterations,
		GradientThreshold: gradTol,
		Recorder:          opts.Recorder,
	}

	result, err := optimize.Minimize(problem, theta0, settings, &optimize.LBFGS{})
	if cerr := ctx.Err(); cerr != nil {
		return gp.WrapError(cerr, "models: "+op)
	}
	if result == nil {
		return gp.WrapError(err, "models: "+op)
	}
	if err != nil {
		// Line-search stalls and iteration limits still leave the best
		// visited hyperparameters in result.X.
		m.logger.Debug("optimizer stopped early", zap.Error(err), zap.String("status", result.Status.String()))
	}
	if err := m.setHyperparameters(result.X); err != nil {
		return gp.WrapError(err, "models: "+op)
	}

	m.logger.Debug("fitted exact GP",
		zap.Float64("objective", result.F),
		zap.Int("major_iterations", result.Stats.MajorIterations),
		zap.Float64("noise", m.likelihood.Noise()),
	)
	return m.finalize()
}

// gradient computes the marginal log-likelihood gradient using the
// alpha/trace identities:
//
//	d nll / d theta_j = (-a^T dK a + tr(K^-1 dK)) / n
//
// with dK the per-hyperparameter derivative of the covariance.
func (m *GPRegressor) gradient(grad []float64, mem *exactFitMemory) {
	n := m.y.Len()
	nm := m.mean.NumHyperparameters()
	nk := m.kernel.NumHyperparameters()

	if err := mem.chol.InverseTo(mem.kinv); err != nil {
		return
	}

	// Mean parameters: d(r^T K^-1 r)/dp = -2 sum_i alpha_i dmean_i/dp.
	if nm > 0 {
		dmean := make([]float64, nm)
		for i := 0; i < n; i++ {
			m.mean.ValueDeriv(m.x.RawRowView(i), dmean)
			for p := 0; p < nm; p++ {
				grad[p] -= 2 * mem.alpha.AtVec(i) * dmean[p]
			}
		}
	}

	// Kernel hyperparameters, accumulated pairwise so the covariance
	// derivative matrices are never materialized.
	if nk > 0 {
		dk := make([]float64, nk)
		quad := make([]float64, nk)  // a^T dK a
		trace := make([]float64, nk) // tr(K^-1 dK)
		for i := 0; i < n; i++ {
			xi := m.x.RawRowView(i)
			ai := mem.alpha.AtVec(i)
			for j := i; j < n; j++ {
				m.kernel.EvalDeriv(xi, m.x.RawRowView(j), dk)
				f := 2.0
				if i == j {
					f = 1.0
				}
				aa := f * ai * mem.alpha.AtVec(j)
				kk := f * mem.kinv.At(i, j)
				for h := 0; h < nk; h++ {
					quad[h] += aa * dk[h]
					trace[h] += kk * dk[h]
				}
			}
		}
		for h := 0; h < nk; h++ {
			grad[nm+h] += trace[h] - quad[h]
		}
	}

	// Log noise: dK = noise * I.
	noise := m.likelihood.Noise()
	var alphaSq, kinvTrace float64
	for i := 0; i < n; i++ {
		ai := mem.alpha.AtVec(i)
		alphaSq += ai * ai
		kinvTrace += mem.kinv.At(i, i)
	}
	grad[nm+nk] += noise * (kinvTrace - alphaSq)

	floats.Scale(1/float64(n), grad[:nm+nk+1])
}

func (m *GPRegressor) releaseFitMemory(mem *exactFitMemory) {
	m.pool.PutSymDense(mem.k)
	m.pool.PutSymDense(mem.kinv)
	m.pool.PutVecDense(mem.resid)
	m.pool.PutVecDense(mem.alpha)
}

// finalize rebuilds the covariance factorization at the current
// hyperparameters, escalating diagonal jitter if the factorization fails.
func (m *GPRegressor) finalize() error {
	const op = "GPRegressor.finalize"
	n := m.y.Len()
	k := mat.NewSymDense(n, nil)
	m.setCovariance(k, m.likelihood.Noise())

	jitter := 0.0
	var chol mat.Cholesky
	for attempt := 0; attempt < 10; attempt++ {
		if jitter > 0 {
			for i := 0; i < n; i++ {
				k.SetSym(i, i, k.At(i, i)+jitter)
			}
		}
		if ok := chol.Factorize(k); ok {
			resid := mat.NewVecDense(n, nil)
			for i := 0; i < n; i++ {
				resid.SetVec(i, m.y.AtVec(i)-m.mean.Value(m.x.RawRowView(i)))
			}
			alpha := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(alpha, resid); err != nil {
				return gp.WrapError(err, "models: "+op)
			}
			fast, err := newFastVarCache(k, m.fastRank, true)
			if err != nil {
				return gp.WrapError(err, "models: "+op)
			}
			m.chol = &chol
			m.alpha = alpha
			m.fast = fast
			return nil
		}
		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 10
		}
		m.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter),
		)
	}
	return gp.WrapError(ErrSingular, "models: "+op)
}

// Predict returns the mean and variance of the posterior predictive
// distribution at the test points x. The variance includes the observation
// noise.
func (m *GPRegressor) Predict(x *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GPRegressor.Predict"
	kstar, kss, err := m.crossCovariance(x, op)
	if err != nil {
		return nil, nil, err
	}
	nTest, _ := x.Dims()
	nTrain := m.y.Len()

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(kstar, m.alpha)
	for i := 0; i < nTest; i++ {
		mean.SetVec(i, mean.AtVec(i)+m.mean.Value(x.RawRowView(i)))
	}

	// variance_i = kss_i - |v_i|^2 with K v = k*_i.
	v := mat.NewDense(nTrain, nTest, nil)
	if err := m.chol.SolveTo(v, kstar.T()); err != nil {
		return nil, nil, gp.WrapError(fmt.Errorf("failed to solve linear system: %w", err), "models: "+op)
	}
	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var sum float64
		for j := 0; j < nTrain; j++ {
			val := v.At(j, i) * kstar.At(i, j)
			sum += val
		}
		variance.SetVec(i, clampVariance(kss[i]-sum))
	}
	return mean, variance, nil
}

// PredictFast returns the posterior predictive mean and variance using the
// fast predictive-variance approximation: the variance term is computed
// from the rank-limited root of the training covariance cached when the
// model was fitted, instead of a solve per test batch. The approximation
// never undershoots the exact variance.
func (m *GPRegressor) PredictFast(x *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GPRegressor.PredictFast"
	kstar, kss, err := m.crossCovariance(x, op)
	if err != nil {
		return nil, nil, err
	}
	nTest, _ := x.Dims()
	nTrain := m.y.Len()

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(kstar, m.alpha)
	variance := mat.NewVecDense(nTest, nil)
	row := mat.NewVecDense(nTrain, nil)
	for i := 0; i < nTest; i++ {
		mean.SetVec(i, mean.AtVec(i)+m.mean.Value(x.RawRowView(i)))
		for j := 0; j < nTrain; j++ {
			row.SetVec(j, kstar.At(i, j))
		}
		variance.SetVec(i, clampVariance(kss[i]-m.fast.reduction(row)))
	}
	return mean, variance, nil
}

// crossCovariance computes the covariance between test and training points
// and the self-covariance (plus noise) of each test point.
func (m *GPRegressor) crossCovariance(x *mat.Dense, op string) (*mat.Dense, []float64, error) {
	if x == nil {
		return nil, nil, gp.WrapError(errors.New("input matrix is nil"), "models: "+op)
	}
	if m.alpha == nil || m.chol == nil {
		return nil, nil, gp.WrapError(errors.New("model not fitted"), "models: "+op)
	}
	nTest, d := x.Dims()
	_, dTrain := m.x.Dims()
	if d != dTrain {
		err := fmt.Errorf("input has %d features, want %d", d, dTrain)
		return nil, nil, gp.WrapError(err, "models: "+op)
	}
	nTrain := m.y.Len()
	noise := m.likelihood.Noise()

	kstar := mat.NewDense(nTest, nTrain, nil)
	kss := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		xi := x.RawRowView(i)
		kss[i] = m.kernel.Eval(xi, xi) + noise
		for j := 0; j < nTrain; j++ {
			kstar.Set(i, j, m.kernel.Eval(xi, m.x.RawRowView(j)))
		}
	}
	return kstar, kss, nil
}

// Sample draws nSamples independent draws from the posterior predictive
// marginals at the test points x. Each column of the returned matrix is one
// sample.
func (m *GPRegressor) Sample(x *mat.Dense, nSamples int, rng *rand.Rand) (*mat.Dense, error) {
	const op = "GPRegressor.Sample"
	if nSamples <= 0 {
		return nil, gp.WrapError(errors.New("number of samples must be positive"), "models: "+op)
	}
	mean, variance, err := m.Predict(x)
	if err != nil {
		return nil, gp.WrapError(err, "models: "+op)
	}
	nTest := mean.Len()
	samples := mat.NewDense(nTest, nSamples, nil)
	for i := 0; i < nTest; i++ {
		std := math.Sqrt(variance.AtVec(i))
		for j := 0; j < nSamples; j++ {
			samples.Set(i, j, mean.AtVec(i)+std*rng.NormFloat64())
		}
	}
	return samples, nil
}
