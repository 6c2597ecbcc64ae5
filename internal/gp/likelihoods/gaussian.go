// Package likelihoods provides observation models for Gaussian Process
// regression and classification.
package likelihoods

import (
	"fmt"
	"math"

	"github.com/jmhessel/gpytorch/internal/gp"
)

var (
	minLogNoise = math.Log(1e-6)
	maxLogNoise = math.Log(1.0)
)

// GaussianLikelihood is a homoskedastic Gaussian observation model. The
// noise variance is trained on the log scale.
type GaussianLikelihood struct {
	logNoise float64
	bounds   gp.Bound
}

// NewGaussianLikelihood creates a Gaussian likelihood with the given initial
// noise variance.
func NewGaussianLikelihood(noise float64) *GaussianLikelihood {
	if !(noise > 0) {
		panic(fmt.Sprintf("likelihoods: noise must be positive, got %v", noise))
	}
	return &GaussianLikelihood{
		logNoise: math.Log(noise),
		bounds:   gp.Bound{Min: minLogNoise, Max: maxLogNoise},
	}
}

// Noise returns the current noise variance.
func (l *GaussianLikelihood) Noise() float64 { return math.Exp(l.logNoise) }

// LogNoise returns the log of the noise variance.
func (l *GaussianLikelihood) LogNoise() float64 { return l.logNoise }

// SetLogNoise sets the log of the noise variance.
func (l *GaussianLikelihood) SetLogNoise(v float64) { l.logNoise = v }

// Bounds returns the training bounds for the log noise.
func (l *GaussianLikelihood) Bounds() gp.Bound { return l.bounds }
