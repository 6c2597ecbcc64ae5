// Package datasets generates the synthetic benchmark datasets used by the
// training CLI and the model tests.
package datasets

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SinCosGrid returns an n x n lattice of points on [0, 1]^2 with targets
// y = (sin(x1) + cos(x2)) * 2 pi. The lattice is traversed row-major, so
// row i*n+j is the point (i/(n-1), j/(n-1)).
func SinCosGrid(n int) (*mat.Dense, []float64) {
	if n < 2 {
		panic("datasets: grid side must be at least 2")
	}
	x := mat.NewDense(n*n, 2, nil)
	y := make([]float64, n*n)
	step := 1 / float64(n-1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x1 := float64(i) * step
			x2 := float64(j) * step
			r := i*n + j
			x.Set(r, 0, x1)
			x.Set(r, 1, x2)
			y[r] = (math.Sin(x1) + math.Cos(x2)) * 2 * math.Pi
		}
	}
	return x, y
}

// SignCosLine returns n points evenly spaced on [0, 1] with +/-1 labels
// y = sign(cos(4 pi x)).
func SignCosLine(n int) (*mat.Dense, []float64) {
	if n < 2 {
		panic("datasets: need at least 2 points")
	}
	x := mat.NewDense(n, 1, nil)
	y := make([]float64, n)
	step := 1 / float64(n-1)
	for i := 0; i < n; i++ {
		xi := float64(i) * step
		x.Set(i, 0, xi)
		if math.Cos(4*math.Pi*xi) >= 0 {
			y[i] = 1
		} else {
			y[i] = -1
		}
	}
	return x, y
}
