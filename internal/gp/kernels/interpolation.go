package kernels

import (
	"fmt"

	"github.com/jmhessel/gpytorch/internal/gp"
)

// MultiplicativeGridInterpolationKernel approximates a product kernel over
// the input components:
//
//	k(x, z) = prod_d  w_d(x) K_grid w_d(z)^T
//
// where each component covariance is the shared stationary base kernel
// evaluated on a regular inducing grid and w_d are sparse cubic
// interpolation weights. Because the base kernel is stationary and the grid
// is regular, K_grid is Toeplitz and is generated from its first row, which
// is cached and refreshed whenever the hyperparameters change.
type MultiplicativeGridInterpolationKernel struct {
	base        Kernel
	grid        *Grid
	nComponents int

	// Cached first grid row of K_grid and its per-hyperparameter
	// derivative rows.
	row  []float64
	drow [][]float64
}

// NewMultiplicativeGridInterpolationKernel creates a multiplicative grid
// interpolation kernel with nComponents input components, each approximated
// on a regular grid of gridSize nodes spanning gridBounds. The base kernel
// must be stationary and is shared across components.
func NewMultiplicativeGridInterpolationKernel(base Kernel, gridSize int, gridBounds gp.Bound, nComponents int) *MultiplicativeGridInterpolationKernel {
	if base == nil {
		panic("kernels: nil base kernel")
	}
	if nComponents < 1 {
		panic(fmt.Sprintf("kernels: nComponents must be positive, got %d", nComponents))
	}
	k := &MultiplicativeGridInterpolationKernel{
		base:        base,
		grid:        NewGrid(gridSize, gridBounds),
		nComponents: nComponents,
	}
	k.refresh()
	return k
}

// NewGridInterpolationKernel creates a single-component grid interpolation
// kernel for one-dimensional inputs.
func NewGridInterpolationKernel(base Kernel, gridSize int, gridBounds gp.Bound) *MultiplicativeGridInterpolationKernel {
	return NewMultiplicativeGridInterpolationKernel(base, gridSize, gridBounds, 1)
}

// Grid returns the inducing grid shared by all components.
func (k *MultiplicativeGridInterpolationKernel) Grid() *Grid { return k.grid }

// refresh regenerates the cached Toeplitz rows from the base kernel.
func (k *MultiplicativeGridInterpolationKernel) refresh() {
	m := k.grid.Size()
	nHyper := k.base.NumHyperparameters()
	if k.row == nil {
		k.row = make([]float64, m)
		k.drow = make([][]float64, nHyper)
		for h := range k.drow {
			k.drow[h] = make([]float64, m)
		}
	}
	x0 := []float64{k.grid.Point(0)}
	xd := make([]float64, 1)
	deriv := make([]float64, nHyper)
	for d := 0; d < m; d++ {
		xd[0] = k.grid.Point(d)
		k.row[d] = k.base.EvalDeriv(x0, xd, deriv)
		for h := range deriv {
			k.drow[h][d] = deriv[h]
		}
	}
}

// componentEval computes one component's interpolated covariance between
// scalar inputs a and b, and optionally its hyperparameter derivatives.
func (k *MultiplicativeGridInterpolationKernel) componentEval(a, b float64, deriv []float64) float64 {
	ia, wa := k.grid.Interpolate(a)
	ib, wb := k.grid.Interpolate(b)
	var v float64
	for p := 0; p < stencilSize; p++ {
		if wa[p] == 0 {
			continue
		}
		for q := 0; q < stencilSize; q++ {
			d := ia[p] - ib[q]
			if d < 0 {
				d = -d
			}
			wpq := wa[p] * wb[q]
			v += wpq * k.row[d]
			for h := range deriv {
				deriv[h] += wpq * k.drow[h][d]
			}
		}
	}
	return v
}

// Eval computes the multiplicative interpolated kernel value between x1 and
// x2, which must both have nComponents entries.
func (k *MultiplicativeGridInterpolationKernel) Eval(x1, x2 []float64) float64 {
	if len(x1) != k.nComponents || len(x2) != k.nComponents {
		panic("kernels: input length does not match nComponents")
	}
	v := 1.0
	for d := 0; d < k.nComponents; d++ {
		v *= k.componentEval(x1[d], x2[d], nil)
	}
	return v
}

// EvalDeriv computes the kernel value and its derivative with respect to
// each base-kernel hyperparameter, applying the product rule across
// components.
func (k *MultiplicativeGridInterpolationKernel) EvalDeriv(x1, x2, deriv []float64) float64 {
	if len(x1) != k.nComponents || len(x2) != k.nComponents {
		panic("kernels: input length does not match nComponents")
	}
	nHyper := k.base.NumHyperparameters()
	if len(deriv) != nHyper {
		panic("kernels: deriv length mismatch")
	}

	vals := make([]float64, k.nComponents)
	dvals := make([][]float64, k.nComponents)
	for d := 0; d < k.nComponents; d++ {
		dvals[d] = make([]float64, nHyper)
		vals[d] = k.componentEval(x1[d], x2[d], dvals[d])
	}

	v := 1.0
	for _, vd := range vals {
		v *= vd
	}
	for h := 0; h < nHyper; h++ {
		var sum float64
		for d := 0; d < k.nComponents; d++ {
			term := dvals[d][h]
			for e := 0; e < k.nComponents; e++ {
				if e != d {
					term *= vals[e]
				}
			}
			sum += term
		}
		deriv[h] = sum
	}
	return v
}

// Hyperparameters appends the base kernel's hyperparameters to dst.
func (k *MultiplicativeGridInterpolationKernel) Hyperparameters(dst []float64) []float64 {
	return k.base.Hyperparameters(dst)
}

// SetHyperparameters sets the base kernel's hyperparameters and refreshes
// the cached grid covariance rows.
func (k *MultiplicativeGridInterpolationKernel) SetHyperparameters(params []float64) error {
	if err := k.base.SetHyperparameters(params); err != nil {
		return err
	}
	k.refresh()
	return nil
}

// NumHyperparameters returns the base kernel's hyperparameter count.
func (k *MultiplicativeGridInterpolationKernel) NumHyperparameters() int {
	return k.base.NumHyperparameters()
}

// Bounds returns the base kernel's hyperparameter bounds.
func (k *MultiplicativeGridInterpolationKernel) Bounds() []gp.Bound {
	return k.base.Bounds()
}
