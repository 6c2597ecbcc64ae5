// Package gp provides shared types for the Gaussian Process modeling
// packages: kernels, means, likelihoods and models.
package gp

import (
	"gonum.org/v1/gonum/optimize"
)

// Bound is a closed interval constraint on a single hyperparameter.
// Hyperparameters are stored in log space, so the bounds are too.
type Bound struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// FitOptions controls the hyperparameter optimization run by a model's Fit
// method.
type FitOptions struct {
	// MaxIterations is the number of major optimizer iterations. Models
	// treat this as a step budget: stopping at the limit is not an error.
	MaxIterations int

	// GradientThreshold stops the optimization early once the gradient
	// norm falls below it. Zero means use the model default.
	GradientThreshold float64

	// Recorder, if non-nil, is invoked by the optimizer after every
	// operation. Used by the CLI for progress reporting.
	Recorder optimize.Recorder
}

// barrierPow is the exponent of the penalty added to training objectives
// when a hyperparameter leaves its bounds.
const barrierPow = 4

// Barrier returns the penalty for x given bounds, and accumulates the
// penalty gradient into grad if it is non-nil.
func Barrier(x []float64, bounds []Bound, grad []float64) float64 {
	var penalty float64
	for i, v := range x {
		if v < bounds[i].Min {
			diff := bounds[i].Min - v
			penalty += pow4(diff)
			if grad != nil {
				grad[i] -= barrierPow * diff * diff * diff
			}
		}
		if v > bounds[i].Max {
			diff := v - bounds[i].Max
			penalty += pow4(diff)
			if grad != nil {
				grad[i] += barrierPow * diff * diff * diff
			}
		}
	}
	return penalty
}

func pow4(v float64) float64 {
	v *= v
	return v * v
}
