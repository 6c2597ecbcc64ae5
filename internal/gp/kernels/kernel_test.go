package kernels

import (
	"math"
	"testing"

	"github.com/jmhessel/gpytorch/internal/gp"
)

func TestRBFKernel(t *testing.T) {
	tests := []struct {
		name           string
		x1             []float64
		x2             []float64
		logLengthscale float64
		expected       float64
	}{
		{
			name:           "same point",
			x1:             []float64{1.0, 2.0},
			x2:             []float64{1.0, 2.0},
			logLengthscale: 0.0,
			expected:       1.0,
		},
		{
			name:           "different points",
			x1:             []float64{0.0, 0.0},
			x2:             []float64{1.0, 1.0},
			logLengthscale: 0.0,
			expected:       math.Exp(-1.0), // exp(-0.5 * (1+1) / 1^2)
		},
		{
			name:           "with different lengthscale",
			x1:             []float64{0.0, 0.0},
			x2:             []float64{2.0, 2.0},
			logLengthscale: math.Log(2.0),
			expected:       math.Exp(-1.0), // exp(-0.5 * (2^2 + 2^2) / 2^2)
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernel := NewRBFKernel(tt.logLengthscale, gp.Bound{Min: -3, Max: 3})
			result := kernel.Eval(tt.x1, tt.x2)

			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}

			// Test symmetry
			result2 := kernel.Eval(tt.x2, tt.x1)
			if math.Abs(result-result2) > 1e-10 {
				t.Error("kernel is not symmetric")
			}
		})
	}
}

func TestScaledRBFKernel(t *testing.T) {
	kernel := NewScaledRBFKernel(0, gp.Bound{Min: -5, Max: 6}, math.Log(2), gp.Bound{Min: -5, Max: 6})

	if got := kernel.Eval([]float64{0.5}, []float64{0.5}); math.Abs(got-2.0) > 1e-10 {
		t.Errorf("same point: expected outputscale 2, got %v", got)
	}

	base := NewRBFKernel(0, gp.Bound{Min: -5, Max: 6})
	x1, x2 := []float64{0.1}, []float64{0.7}
	want := 2 * base.Eval(x1, x2)
	if got := kernel.Eval(x1, x2); math.Abs(got-want) > 1e-10 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestKernelHyperparameters(t *testing.T) {
	tests := []struct {
		name    string
		kernel  Kernel
		params  []float64
		wantErr bool
	}{
		{
			name:    "RBF valid params",
			kernel:  NewRBFKernel(0, gp.Bound{Min: -3, Max: 3}),
			params:  []float64{0.5},
			wantErr: false,
		},
		{
			name:    "RBF invalid param count",
			kernel:  NewRBFKernel(0, gp.Bound{Min: -3, Max: 3}),
			params:  []float64{0.5, 1.0},
			wantErr: true,
		},
		{
			name:    "scaled RBF valid params",
			kernel:  NewScaledRBFKernel(0, gp.Bound{Min: -5, Max: 6}, 0, gp.Bound{Min: -5, Max: 6}),
			params:  []float64{0.2, -0.3},
			wantErr: false,
		},
		{
			name: "grid interpolation valid params",
			kernel: NewGridInterpolationKernel(
				NewRBFKernel(0, gp.Bound{Min: -3, Max: 3}), 25, gp.Bound{Min: 0, Max: 1}),
			params:  []float64{-0.5},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.kernel.SetHyperparameters(tt.params)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := tt.kernel.Hyperparameters(nil)
			if len(got) != len(tt.params) {
				t.Fatalf("expected %d parameters, got %d", len(tt.params), len(got))
			}
			for i, p := range got {
				if p != tt.params[i] {
					t.Errorf("parameter %d: expected %v, got %v", i, tt.params[i], p)
				}
			}
		})
	}
}

// TestKernelDerivatives checks EvalDeriv against central finite differences
// of Eval for every kernel.
func TestKernelDerivatives(t *testing.T) {
	tests := []struct {
		name   string
		kernel Kernel
		x1, x2 []float64
	}{
		{
			name:   "RBF",
			kernel: NewRBFKernel(-0.3, gp.Bound{Min: -3, Max: 3}),
			x1:     []float64{0.2, 0.8},
			x2:     []float64{0.9, 0.1},
		},
		{
			name:   "scaled RBF",
			kernel: NewScaledRBFKernel(0.4, gp.Bound{Min: -5, Max: 6}, -0.7, gp.Bound{Min: -5, Max: 6}),
			x1:     []float64{0.3},
			x2:     []float64{0.6},
		},
		{
			name: "multiplicative grid interpolation",
			kernel: NewMultiplicativeGridInterpolationKernel(
				NewRBFKernel(-0.2, gp.Bound{Min: -3, Max: 3}), 50, gp.Bound{Min: 0, Max: 1}, 2),
			x1: []float64{0.21, 0.77},
			x2: []float64{0.68, 0.13},
		},
	}

	const h = 1e-6
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.kernel.NumHyperparameters()
			theta := tt.kernel.Hyperparameters(nil)
			deriv := make([]float64, n)
			v := tt.kernel.EvalDeriv(tt.x1, tt.x2, deriv)

			if ve := tt.kernel.Eval(tt.x1, tt.x2); math.Abs(v-ve) > 1e-12 {
				t.Errorf("EvalDeriv value %v disagrees with Eval %v", v, ve)
			}

			for p := 0; p < n; p++ {
				bump := append([]float64(nil), theta...)
				bump[p] = theta[p] + h
				if err := tt.kernel.SetHyperparameters(bump); err != nil {
					t.Fatalf("set hyperparameters: %v", err)
				}
				plus := tt.kernel.Eval(tt.x1, tt.x2)

				bump[p] = theta[p] - h
				if err := tt.kernel.SetHyperparameters(bump); err != nil {
					t.Fatalf("set hyperparameters: %v", err)
				}
				minus := tt.kernel.Eval(tt.x1, tt.x2)

				want := (plus - minus) / (2 * h)
				if math.Abs(deriv[p]-want) > 1e-5 {
					t.Errorf("parameter %d: analytic %v, finite difference %v", p, deriv[p], want)
				}

				if err := tt.kernel.SetHyperparameters(theta); err != nil {
					t.Fatalf("restore hyperparameters: %v", err)
				}
			}
		})
	}
}
