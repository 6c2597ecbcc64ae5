package models

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/jmhessel/gpytorch/internal/gp"
	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/likelihoods"
	"github.com/jmhessel/gpytorch/internal/gp/means"
)

// variationalJitter keeps the prior covariance factorizable while the
// lengthscale roams over its training range.
const variationalJitter = 1e-6

// Bounds on the variational log-variances; the lower bound stops the
// posterior from collapsing to a point mass during optimization.
var logVarBounds = gp.Bound{Min: -10, Max: 10}

// GPClassifier is a variational Gaussian Process classification model with
// a Bernoulli observation model. The variational posterior over the latent
// values at the training inputs is a fully factorized Gaussian
// q(f) = N(m, diag(s)); Fit maximizes the evidence lower bound
//
//	ELBO = sum_i E_q[log p(y_i | f_i)] - KL(q || N(mu0, K))
//
// over the variational parameters and the model hyperparameters, with
// analytic gradients. The expectation is taken by Gauss-Hermite
// quadrature.
type GPClassifier struct {
	mean       means.Mean
	kernel     kernels.Kernel
	likelihood *likelihoods.BernoulliLikelihood

	x *mat.Dense
	y []float64

	// Variational parameters.
	vmean   []float64
	vlogvar []float64

	// Cached after Fit.
	kinv   *mat.SymDense
	u      *mat.VecDense // K^-1 (m - mu0)
	reduce *mat.SymDense // K^-1 - K^-1 S K^-1
	fast   *fastVarCache

	fastRank int
	pool     *MatrixPool
	logger   *zap.Logger
}

// NewGPClassifier creates a variational GP classification model over the
// given training inputs and +/-1 labels.
func NewGPClassifier(x *mat.Dense, y []float64, mean means.Mean, kernel kernels.Kernel) (*GPClassifier, error) {
	const op = "GPClassifier.New"
	if x == nil {
		return nil, gp.WrapError(errors.New("training inputs must not be nil"), "models: "+op)
	}
	n, d := x.Dims()
	if n == 0 || d == 0 {
		return nil, gp.WrapError(errors.New("training inputs must not be empty"), "models: "+op)
	}
	if n != len(y) {
		err := fmt.Errorf("dimension mismatch: x has %d samples but y has length %d", n, len(y))
		return nil, gp.WrapError(err, "models: "+op)
	}
	if mean == nil || kernel == nil {
		return nil, gp.WrapError(errors.New("mean and kernel must not be nil"), "models: "+op)
	}
	likelihood := likelihoods.NewBernoulliLikelihood()
	if err := likelihood.ValidateLabels(y); err != nil {
		return nil, gp.WrapError(err, "models: "+op)
	}
	// The variational means start at the observed labels.
	return &GPClassifier{
		mean:       mean,
		kernel:     kernel,
		likelihood: likelihood,
		x:          mat.DenseCopyOf(x),
		y:          append([]float64(nil), y...),
		vmean:      append([]float64(nil), y...),
		vlogvar:    make([]float64, n),
		fastRank:   defaultFastVarRank,
		pool:       NewMatrixPool(),
		logger:     zap.NewNop(),
	}, nil
}

// SetLogger replaces the model's logger.
func (m *GPClassifier) SetLogger(logger *zap.Logger) {
	if logger != nil {
		m.logger = logger.Named("gp_classifier")
	}
}

// Likelihood returns the model's Bernoulli likelihood.
func (m *GPClassifier) Likelihood() *likelihoods.BernoulliLikelihood { return m.likelihood }

// hyperparameters packs [mean params, kernel params, m, log s].
func (m *GPClassifier) hyperparameters() []float64 {
	theta := m.mean.Hyperparameters(nil)
	theta = m.kernel.Hyperparameters(theta)
	theta = append(theta, m.vmean...)
	return append(theta, m.vlogvar...)
}

func (m *GPClassifier) setHyperparameters(theta []float64) error {
	n := len(m.y)
	nm := m.mean.NumHyperparameters()
	nk := m.kernel.NumHyperparameters()
	if len(theta) != nm+nk+2*n {
		return fmt.Errorf("expected %d parameters, got %d", nm+nk+2*n, len(theta))
	}
	if err := m.mean.SetHyperparameters(theta[:nm]); err != nil {
		return err
	}
	if err := m.kernel.SetHyperparameters(theta[nm : nm+nk]); err != nil {
		return err
	}
	copy(m.vmean, theta[nm+nk:nm+nk+n])
	copy(m.vlogvar, theta[nm+nk+n:])
	return nil
}

func (m *GPClassifier) bounds() []gp.Bound {
	n := len(m.y)
	bounds := barrierFor(m.mean.Bounds(), m.kernel.Bounds())
	for i := 0; i < n; i++ {
		bounds = append(bounds, gp.Bound{Min: math.Inf(-1), Max: math.Inf(1)})
	}
	for i := 0; i < n; i++ {
		bounds = append(bounds, logVarBounds)
	}
	return bounds
}

// elboMemory reuses allocations across objective evaluations.
type elboMemory struct {
	lastX      []float64
	k          *mat.SymDense
	chol       mat.Cholesky
	kinv       *mat.SymDense
	d          *mat.VecDense // m - mu0
	u          *mat.VecDense // K^-1 d
	ell        []float64
	dEllMean   []float64
	dEllVar    []float64
	factorized bool
	valid      bool
}

func (m *GPClassifier) newElboMemory(nHyper int) *elboMemory {
	n := len(m.y)
	mem := &elboMemory{
		lastX:    make([]float64, nHyper),
		k:        m.pool.GetSymDense(n),
		kinv:     m.pool.GetSymDense(n),
		d:        m.pool.GetVecDense(n),
		u:        m.pool.GetVecDense(n),
		ell:      make([]float64, n),
		dEllMean: make([]float64, n),
		dEllVar:  make([]float64, n),
	}
	for i := range mem.lastX {
		mem.lastX[i] = math.NaN()
	}
	return mem
}

func (m *GPClassifier) releaseElboMemory(mem *elboMemory) {
	m.pool.PutSymDense(mem.k)
	m.pool.PutSymDense(mem.kinv)
	m.pool.PutVecDense(mem.d)
	m.pool.PutVecDense(mem.u)
}

// setPrior fills k with the kernel matrix over the training inputs plus a
// small diagonal jitter.
func (m *GPClassifier) setPrior(k *mat.SymDense) {
	n := len(m.y)
	for i := 0; i < n; i++ {
		xi := m.x.RawRowView(i)
		for j := i; j < n; j++ {
			v := m.kernel.Eval(xi, m.x.RawRowView(j))
			if i == j {
				v += variationalJitter
			}
			k.SetSym(i, j, v)
		}
	}
}

// ensure refreshes the cached factorization and expected log-likelihood
// terms for parameter vector theta.
func (m *GPClassifier) ensure(theta []float64, mem *elboMemory) bool {
	if mem.factorized && floats.Equal(mem.lastX, theta) {
		return mem.valid
	}
	copy(mem.lastX, theta)
	mem.factorized = true
	mem.valid = false
	if err := m.setHyperparameters(theta); err != nil {
		return false
	}
	m.setPrior(mem.k)
	if ok := mem.chol.Factorize(mem.k); !ok {
		return false
	}
	if err := mem.chol.InverseTo(mem.kinv); err != nil {
		return false
	}
	n := len(m.y)
	for i := 0; i < n; i++ {
		mem.d.SetVec(i, m.vmean[i]-m.mean.Value(m.x.RawRowView(i)))
	}
	mem.u.MulVec(mem.kinv, mem.d)
	for i := 0; i < n; i++ {
		s := math.Exp(m.vlogvar[i])
		mem.ell[i], mem.dEllMean[i], mem.dEllVar[i] = m.likelihood.ExpectedLogProb(m.y[i], m.vmean[i], s)
	}
	mem.valid = true
	return true
}

// negELBO computes the negative evidence lower bound scaled by 1/n.
func (m *GPClassifier) negELBO(mem *elboMemory) float64 {
	n := len(m.y)
	var trAS, sumLogS, sumEll float64
	for i := 0; i < n; i++ {
		s := math.Exp(m.vlogvar[i])
		trAS += s * mem.kinv.At(i, i)
		sumLogS += m.vlogvar[i]
		sumEll += mem.ell[i]
	}
	kl := 0.5 * (trAS + mat.Dot(mem.d, mem.u) - float64(n) - sumLogS + mem.chol.LogDet())
	return (kl - sumEll) / float64(n)
}

// gradient accumulates the negative-ELBO gradient into grad.
func (m *GPClassifier) gradient(grad []float64, mem *elboMemory) {
	n := len(m.y)
	nm := m.mean.NumHyperparameters()
	nk := m.kernel.NumHyperparameters()

	// Mean parameters: d KL / dp = -sum_i u_i dmean_i/dp.
	if nm > 0 {
		dmean := make([]float64, nm)
		for i := 0; i < n; i++ {
			m.mean.ValueDeriv(m.x.RawRowView(i), dmean)
			for p := 0; p < nm; p++ {
				grad[p] -= mem.u.AtVec(i) * dmean[p]
			}
		}
	}

	// Kernel hyperparameters:
	// d KL / dtheta = 0.5 ( sum_ij (C_ij - u_i u_j) dK_ij )
	// with C = K^-1 - K^-1 S K^-1.
	if nk > 0 {
		reduce := m.reductionMatrix(mem.kinv)
		dk := make([]float64, nk)
		for i := 0; i < n; i++ {
			xi := m.x.RawRowView(i)
			ui := mem.u.AtVec(i)
			for j := i; j < n; j++ {
				m.kernel.EvalDeriv(xi, m.x.RawRowView(j), dk)
				f := 2.0
				if i == j {
					f = 1.0
				}
				c := f * (reduce.At(i, j) - ui*mem.u.AtVec(j))
				for h := 0; h < nk; h++ {
					grad[nm+h] += 0.5 * c * dk[h]
				}
			}
		}
	}

	// Variational mean and log-variance.
	for i := 0; i < n; i++ {
		s := math.Exp(m.vlogvar[i])
		grad[nm+nk+i] = mem.u.AtVec(i) - mem.dEllMean[i]
		grad[nm+nk+n+i] = 0.5*(s*mem.kinv.At(i, i)-1) - s*mem.dEllVar[i]
	}

	floats.Scale(1/float64(n), grad)
}

// reductionMatrix computes C = K^-1 - K^-1 S K^-1 for the current
// variational variances.
func (m *GPClassifier) reductionMatrix(kinv *mat.SymDense) *mat.SymDense {
	n := len(m.y)
	scaled := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for l := 0; l < n; l++ {
			scaled.Set(i, l, kinv.At(i, l)*math.Exp(m.vlogvar[l]))
		}
	}
	var asa mat.Dense
	asa.Mul(scaled, kinv)
	reduce := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			reduce.SetSym(i, j, kinv.At(i, j)-0.5*(asa.At(i, j)+asa.At(j, i)))
		}
	}
	return reduce
}

// fitRounds is the number of alternating passes Fit runs. Each round
// optimizes the model hyperparameters and then the variational parameters.
const fitRounds = 2

// Fit maximizes the evidence lower bound, alternating between the model
// hyperparameters and the variational parameters. A joint descent over
// both blocks can trade the outputscale against the latent means and
// settle at the degenerate zero-mean bound that classifies at chance, so
// the blocks are updated one at a time, hyperparameters first. Hitting the
// iteration budget in opts is the expected way to stop.
func (m *GPClassifier) Fit(ctx context.Context, opts gp.FitOptions) error {
	const op = "GPClassifier.Fit"
	if opts.MaxIterations < 1 {
		opts.MaxIterations = defaultMaxIterations
	}
	gradTol := opts.GradientThreshold
	if gradTol <= 0 {
		gradTol = defaultGradientThreshold
	}

	n := len(m.y)
	theta := m.hyperparameters()
	bounds := m.bounds()
	mem := m.newElboMemory(len(theta))
	defer m.releaseElboMemory(mem)

	nHyper := m.mean.NumHyperparameters() + m.kernel.NumHyperparameters()
	hyperIdx := make([]int, nHyper)
	for i := range hyperIdx {
		hyperIdx[i] = i
	}
	varIdx := make([]int, 2*n)
	for i := range varIdx {
		varIdx[i] = nHyper + i
	}

	phaseIters := opts.MaxIterations / (2 * fitRounds)
	if phaseIters < 1 {
		phaseIters = 1
	}

	m.logger.Debug("fitting variational GP",
		zap.Int("samples", n),
		zap.Int("parameters", len(theta)),
		zap.Int("max_iterations", opts.MaxIterations),
	)

	for round := 0; round < fitRounds; round++ {
		if nHyper > 0 {
			if err := m.fitPhase(ctx, theta, hyperIdx, bounds, mem, phaseIters, gradTol, opts.Recorder); err != nil {
				return gp.WrapError(err, "models: "+op)
			}
		}
		if err := m.fitPhase(ctx, theta, varIdx, bounds, mem, phaseIters, gradTol, opts.Recorder); err != nil {
			return gp.WrapError(err, "models: "+op)
		}
	}

	if err := m.setHyperparameters(theta); err != nil {
		return gp.WrapError(err, "models: "+op)
	}
	m.logger.Debug("fitted variational GP", zap.Int("rounds", fitRounds))
	return m.finalize()
}

// fitPhase minimizes the negative ELBO over the parameter subset idx while
// the remaining entries of theta stay fixed. On success theta holds the
// updated parameters.
func (m *GPClassifier) fitPhase(ctx context.Context, theta []float64, idx []int, bounds []gp.Bound, mem *elboMemory, maxIter int, gradTol float64, recorder optimize.Recorder) error {
	full := append([]float64(nil), theta...)
	fullGrad := make([]float64, len(theta))
	embed := func(sub []float64) []float64 {
		for p, j := range idx {
			full[j] = sub[p]
		}
		return full
	}

	problem := optimize.Problem{
		Func: func(sub []float64) float64 {
			if ctx.Err() != nil {
				return math.Inf(1)
			}
			if !m.ensure(embed(sub), mem) {
				return math.Inf(1)
			}
			return m.negELBO(mem) + gp.Barrier(full, bounds, nil)
		},
		Grad: func(grad, sub []float64) {
			for i := range fullGrad {
				fullGrad[i] = 0
			}
			if ctx.Err() == nil && m.ensure(embed(sub), mem) {
				m.gradient(fullGrad, mem)
			}
			gp.Barrier(full, bounds, fullGrad)
			for p, j := range idx {
				grad[p] = fullGrad[j]
			}
		},
	}
	init := make([]float64, len(idx))
	for p, j := range idx {
		init[p] = theta[j]
	}
	settings := &optimize.Settings{
		MajorIterations:   maxIter,
		GradientThreshold: gradTol,
		Recorder:          recorder,
	}

	result, err := optimize.Minimize(problem, init, settings, &optimize.LBFGS{})
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if result == nil {
		return err
	}
	if err != nil {
		m.logger.Debug("optimizer stopped early", zap.Error(err), zap.String("status", result.Status.String()))
	}
	for p, j := range idx {
		theta[j] = result.X[p]
	}
	return nil
}

// finalize caches the quantities needed for prediction at the current
// parameters.
func (m *GPClassifier) finalize() error {
	const op = "GPClassifier.finalize"
	n := len(m.y)
	k := mat.NewSymDense(n, nil)
	m.setPrior(k)
	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		return gp.WrapError(ErrSingular, "models: "+op)
	}
	kinv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(kinv); err != nil {
		return gp.WrapError(err, "models: "+op)
	}
	d := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		d.SetVec(i, m.vmean[i]-m.mean.Value(m.x.RawRowView(i)))
	}
	u := mat.NewVecDense(n, nil)
	u.MulVec(kinv, d)

	reduce := m.reductionMatrix(kinv)
	fast, err := newFastVarCache(reduce, m.fastRank, false)
	if err != nil {
		return gp.WrapError(err, "models: "+op)
	}

	m.kinv = kinv
	m.u = u
	m.reduce = reduce
	m.fast = fast
	return nil
}

// latent computes the posterior latent mean and variance at a single test
// point, using the supplied variance-reduction strategy.
func (m *GPClassifier) latent(xi []float64, kvec *mat.VecDense, fast bool) (float64, float64) {
	n := len(m.y)
	for j := 0; j < n; j++ {
		kvec.SetVec(j, m.kernel.Eval(xi, m.x.RawRowView(j)))
	}
	mu := m.mean.Value(xi) + mat.Dot(kvec, m.u)

	var red float64
	if fast {
		red = m.fast.reduction(kvec)
	} else {
		var tmp mat.VecDense
		tmp.MulVec(m.reduce, kvec)
		red = mat.Dot(kvec, &tmp)
	}
	variance := clampVariance(m.kernel.Eval(xi, xi) - red)
	return mu, variance
}

func (m *GPClassifier) predict(x *mat.Dense, fast bool, op string) (*mat.VecDense, error) {
	if x == nil {
		return nil, gp.WrapError(errors.New("input matrix is nil"), "models: "+op)
	}
	if m.u == nil || m.kinv == nil {
		return nil, gp.WrapError(errors.New("model not fitted"), "models: "+op)
	}
	nTest, d := x.Dims()
	_, dTrain := m.x.Dims()
	if d != dTrain {
		err := fmt.Errorf("input has %d features, want %d", d, dTrain)
		return nil, gp.WrapError(err, "models: "+op)
	}
	probs := mat.NewVecDense(nTest, nil)
	kvec := mat.NewVecDense(len(m.y), nil)
	for i := 0; i < nTest; i++ {
		mu, variance := m.latent(x.RawRowView(i), kvec, fast)
		probs.SetVec(i, m.likelihood.Probability(mu, variance))
	}
	return probs, nil
}

// Predict returns p(y=1) at the test points x.
func (m *GPClassifier) Predict(x *mat.Dense) (*mat.VecDense, error) {
	return m.predict(x, false, "GPClassifier.Predict")
}

// PredictFast returns p(y=1) at the test points x using the fast
// predictive-variance approximation.
func (m *GPClassifier) PredictFast(x *mat.Dense) (*mat.VecDense, error) {
	return m.predict(x, true, "GPClassifier.PredictFast")
}

// classesFrom thresholds probabilities at 1/2 into +/-1 labels.
func classesFrom(probs *mat.VecDense) []float64 {
	classes := make([]float64, probs.Len())
	for i := range classes {
		if probs.AtVec(i) >= 0.5 {
			classes[i] = 1
		} else {
			classes[i] = -1
		}
	}
	return classes
}

// PredictClasses returns +/-1 labels at the test points x.
func (m *GPClassifier) PredictClasses(x *mat.Dense) ([]float64, error) {
	probs, err := m.Predict(x)
	if err != nil {
		return nil, err
	}
	return classesFrom(probs), nil
}

// PredictClassesFast returns +/-1 labels using the fast predictive-variance
// approximation.
func (m *GPClassifier) PredictClassesFast(x *mat.Dense) ([]float64, error) {
	probs, err := m.PredictFast(x)
	if err != nil {
		return nil, err
	}
	return classesFrom(probs), nil
}
