// Package means provides prior mean functions for Gaussian Process models.
package means

import (
	"fmt"

	"github.com/jmhessel/gpytorch/internal/gp"
)

// Mean represents a prior mean function with trainable parameters.
type Mean interface {
	// Value returns the mean function value at x.
	Value(x []float64) float64

	// ValueDeriv returns the mean value at x and stores the derivative of
	// the value with respect to each parameter into deriv, which must have
	// length NumHyperparameters.
	ValueDeriv(x []float64, deriv []float64) float64

	// Hyperparameters appends the current parameters to dst.
	Hyperparameters(dst []float64) []float64

	// SetHyperparameters sets the mean's parameters.
	SetHyperparameters(params []float64) error

	// NumHyperparameters returns the number of trainable parameters.
	NumHyperparameters() int

	// Bounds returns the training bounds for each parameter.
	Bounds() []gp.Bound
}

// ZeroMean is the constant-zero mean function with no parameters.
type ZeroMean struct{}

func (ZeroMean) Value(x []float64) float64 { return 0 }

func (ZeroMean) ValueDeriv(x []float64, deriv []float64) float64 {
	if len(deriv) != 0 {
		panic("means: deriv length mismatch")
	}
	return 0
}

func (ZeroMean) Hyperparameters(dst []float64) []float64 { return dst }

func (ZeroMean) SetHyperparameters(params []float64) error {
	if len(params) != 0 {
		return fmt.Errorf("expected 0 parameters, got %d", len(params))
	}
	return nil
}

func (ZeroMean) NumHyperparameters() int { return 0 }

func (ZeroMean) Bounds() []gp.Bound { return nil }

// ConstantMean is a trainable constant mean function.
type ConstantMean struct {
	constant float64
	bounds   gp.Bound
}

// NewConstantMean creates a constant mean initialized at constant with the
// given training bounds.
func NewConstantMean(constant float64, bounds gp.Bound) *ConstantMean {
	if bounds.Min > bounds.Max {
		panic(fmt.Sprintf("means: inverted constant bounds [%v, %v]", bounds.Min, bounds.Max))
	}
	return &ConstantMean{constant: constant, bounds: bounds}
}

// Value returns the constant, independent of x.
func (m *ConstantMean) Value(x []float64) float64 { return m.constant }

// Constant returns the current constant.
func (m *ConstantMean) Constant() float64 { return m.constant }

func (m *ConstantMean) ValueDeriv(x []float64, deriv []float64) float64 {
	if len(deriv) != 1 {
		panic("means: deriv length mismatch")
	}
	deriv[0] = 1
	return m.constant
}

func (m *ConstantMean) Hyperparameters(dst []float64) []float64 {
	return append(dst, m.constant)
}

func (m *ConstantMean) SetHyperparameters(params []float64) error {
	if len(params) != 1 {
		return fmt.Errorf("expected 1 parameter, got %d", len(params))
	}
	m.constant = params[0]
	return nil
}

func (m *ConstantMean) NumHyperparameters() int { return 1 }

func (m *ConstantMean) Bounds() []gp.Bound { return []gp.Bound{m.bounds} }
