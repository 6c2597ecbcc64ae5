// Package kernels provides covariance functions for Gaussian Process models,
// including grid-interpolation approximations for scalable inference.
package kernels

import (
	"fmt"
	"math"

	"github.com/jmhessel/gpytorch/internal/gp"
)

// Kernel represents a covariance function for Gaussian Processes.
// Hyperparameters are stored in log space for numerical conditioning.
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2.
	Eval(x1, x2 []float64) float64

	// EvalDeriv computes the kernel value between x1 and x2 and stores the
	// derivative of the value with respect to each log-space hyperparameter
	// into deriv, which must have length NumHyperparameters.
	EvalDeriv(x1, x2, deriv []float64) float64

	// Hyperparameters appends the current log-space hyperparameters to dst.
	// If dst is nil a new slice is allocated.
	Hyperparameters(dst []float64) []float64

	// SetHyperparameters sets the kernel's log-space hyperparameters.
	SetHyperparameters(params []float64) error

	// NumHyperparameters returns the number of trainable hyperparameters.
	NumHyperparameters() int

	// Bounds returns the training bounds for each hyperparameter.
	Bounds() []gp.Bound
}

// RBFKernel implements the radial basis function (squared exponential)
// kernel with a unit output scale:
//
//	k(x1, x2) = exp(-|x1-x2|^2 / (2 l^2)),  l = exp(logLengthscale)
type RBFKernel struct {
	logLengthscale float64
	bounds         gp.Bound
}

// NewRBFKernel creates a new RBF kernel with the given initial log
// lengthscale and training bounds.
func NewRBFKernel(logLengthscale float64, bounds gp.Bound) *RBFKernel {
	if bounds.Min > bounds.Max {
		panic(fmt.Sprintf("kernels: inverted lengthscale bounds [%v, %v]", bounds.Min, bounds.Max))
	}
	return &RBFKernel{logLengthscale: logLengthscale, bounds: bounds}
}

// Eval computes the RBF kernel value between x1 and x2.
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	l := math.Exp(k.logLengthscale)
	return math.Exp(-sumSq / (2 * l * l))
}

// EvalDeriv computes the kernel value and its derivative with respect to the
// log lengthscale.
func (k *RBFKernel) EvalDeriv(x1, x2, deriv []float64) float64 {
	if len(deriv) != 1 {
		panic("kernels: deriv length mismatch")
	}
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	l := math.Exp(k.logLengthscale)
	r2 := sumSq / (l * l)
	v := math.Exp(-r2 / 2)
	// d/dlog(l) exp(-r^2 e^{-2 log l} / 2) = v * r^2 / l^2
	deriv[0] = v * r2
	return v
}

// Hyperparameters appends the log lengthscale to dst.
func (k *RBFKernel) Hyperparameters(dst []float64) []float64 {
	return append(dst, k.logLengthscale)
}

// SetHyperparameters sets the log lengthscale.
func (k *RBFKernel) SetHyperparameters(params []float64) error {
	if len(params) != 1 {
		return fmt.Errorf("expected 1 hyperparameter, got %d", len(params))
	}
	k.logLengthscale = params[0]
	return nil
}

// NumHyperparameters returns 1.
func (k *RBFKernel) NumHyperparameters() int { return 1 }

// Bounds returns the log lengthscale bounds.
func (k *RBFKernel) Bounds() []gp.Bound { return []gp.Bound{k.bounds} }

// Lengthscale returns the current lengthscale (not its log).
func (k *RBFKernel) Lengthscale() float64 { return math.Exp(k.logLengthscale) }

// ScaledRBFKernel is an RBF kernel multiplied by a trainable output scale:
//
//	k(x1, x2) = exp(logOutputscale) * rbf(x1, x2)
type ScaledRBFKernel struct {
	rbf            *RBFKernel
	logOutputscale float64
	scaleBounds    gp.Bound
}

// NewScaledRBFKernel creates an RBF kernel with a trainable output scale.
func NewScaledRBFKernel(logLengthscale float64, lengthscaleBounds gp.Bound, logOutputscale float64, outputscaleBounds gp.Bound) *ScaledRBFKernel {
	return &ScaledRBFKernel{
		rbf:            NewRBFKernel(logLengthscale, lengthscaleBounds),
		logOutputscale: logOutputscale,
		scaleBounds:    outputscaleBounds,
	}
}

// Eval computes the scaled kernel value between x1 and x2.
func (k *ScaledRBFKernel) Eval(x1, x2 []float64) float64 {
	return math.Exp(k.logOutputscale) * k.rbf.Eval(x1, x2)
}

// EvalDeriv computes the kernel value and its derivatives with respect to
// the log lengthscale and log output scale.
func (k *ScaledRBFKernel) EvalDeriv(x1, x2, deriv []float64) float64 {
	if len(deriv) != 2 {
		panic("kernels: deriv length mismatch")
	}
	s := math.Exp(k.logOutputscale)
	v := k.rbf.EvalDeriv(x1, x2, deriv[:1])
	deriv[0] *= s
	deriv[1] = s * v
	return s * v
}

// Hyperparameters appends [logLengthscale, logOutputscale] to dst.
func (k *ScaledRBFKernel) Hyperparameters(dst []float64) []float64 {
	dst = k.rbf.Hyperparameters(dst)
	return append(dst, k.logOutputscale)
}

// SetHyperparameters sets [logLengthscale, logOutputscale].
func (k *ScaledRBFKernel) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if err := k.rbf.SetHyperparameters(params[:1]); err != nil {
		return err
	}
	k.logOutputscale = params[1]
	return nil
}

// NumHyperparameters returns 2.
func (k *ScaledRBFKernel) NumHyperparameters() int { return 2 }

// Bounds returns the bounds for [logLengthscale, logOutputscale].
func (k *ScaledRBFKernel) Bounds() []gp.Bound {
	return []gp.Bound{k.rbf.bounds, k.scaleBounds}
}

// Outputscale returns the current output scale (not its log).
func (k *ScaledRBFKernel) Outputscale() float64 { return math.Exp(k.logOutputscale) }

// Lengthscale returns the current lengthscale (not its log).
func (k *ScaledRBFKernel) Lengthscale() float64 { return k.rbf.Lengthscale() }
