package kernels

import (
	"math"
	"testing"

	"github.com/jmhessel/gpytorch/internal/gp"
)

func TestGridInterpolationWeights(t *testing.T) {
	grid := NewGrid(100, gp.Bound{Min: 0, Max: 1})

	t.Run("weights sum to one", func(t *testing.T) {
		for _, x := range []float64{0, 0.003, 0.1234, 0.5, 0.777, 0.995, 1} {
			_, w := grid.Interpolate(x)
			sum := 0.0
			for _, v := range w {
				sum += v
			}
			if math.Abs(sum-1) > 1e-12 {
				t.Errorf("x=%v: weights sum to %v", x, sum)
			}
		}
	})

	t.Run("exact at grid nodes", func(t *testing.T) {
		for _, i := range []int{0, 1, 42, 98, 99} {
			idx, w := grid.Interpolate(grid.Point(i))
			total := 0.0
			for a := range idx {
				if idx[a] == i {
					total += w[a]
				} else if math.Abs(w[a]) > 1e-12 {
					t.Errorf("node %d: nonzero weight %v on node %d", i, w[a], idx[a])
				}
			}
			if math.Abs(total-1) > 1e-12 {
				t.Errorf("node %d: weight %v on itself", i, total)
			}
		}
	})

	t.Run("indices stay inside grid", func(t *testing.T) {
		for _, x := range []float64{-0.2, 0, 0.004, 0.998, 1, 1.3} {
			idx, _ := grid.Interpolate(x)
			for _, i := range idx {
				if i < 0 || i >= grid.Size() {
					t.Errorf("x=%v: stencil index %d out of range", x, i)
				}
			}
		}
	})
}

// TestGridInterpolationAccuracy verifies that the interpolated kernel tracks
// the exact base kernel closely away from grid nodes.
func TestGridInterpolationAccuracy(t *testing.T) {
	base := NewRBFKernel(0, gp.Bound{Min: -3, Max: 3})
	kernel := NewGridInterpolationKernel(base, 100, gp.Bound{Min: 0, Max: 1})

	points := []float64{0.0137, 0.2501, 0.4999, 0.6666, 0.9138}
	for _, a := range points {
		for _, b := range points {
			exact := base.Eval([]float64{a}, []float64{b})
			approx := kernel.Eval([]float64{a}, []float64{b})
			if math.Abs(exact-approx) > 1e-4 {
				t.Errorf("k(%v, %v): exact %v, interpolated %v", a, b, exact, approx)
			}
		}
	}
}

// TestMultiplicativeKernelIsProduct verifies that the multi-component kernel
// factorizes into per-component one-dimensional evaluations.
func TestMultiplicativeKernelIsProduct(t *testing.T) {
	base := NewRBFKernel(-0.5, gp.Bound{Min: -3, Max: 3})
	multi := NewMultiplicativeGridInterpolationKernel(base, 100, gp.Bound{Min: 0, Max: 1}, 2)
	single := NewGridInterpolationKernel(NewRBFKernel(-0.5, gp.Bound{Min: -3, Max: 3}), 100, gp.Bound{Min: 0, Max: 1})

	x1 := []float64{0.21, 0.77}
	x2 := []float64{0.68, 0.13}
	want := single.Eval(x1[:1], x2[:1]) * single.Eval(x1[1:], x2[1:])
	got := multi.Eval(x1, x2)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected product %v, got %v", want, got)
	}

	// Symmetry
	if got2 := multi.Eval(x2, x1); math.Abs(got-got2) > 1e-12 {
		t.Error("kernel is not symmetric")
	}
}

func TestGridValidation(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for size 1")
			}
		}()
		NewGrid(1, gp.Bound{Min: 0, Max: 1})
	})

	t.Run("degenerate bounds", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for degenerate bounds")
			}
		}()
		NewGrid(10, gp.Bound{Min: 1, Max: 1})
	})
}
