package kernels

import (
	"fmt"
	"math"

	"github.com/jmhessel/gpytorch/internal/gp"
)

// stencilSize is the number of grid nodes a point is interpolated onto.
const stencilSize = 4

// Grid is a regular one-dimensional inducing grid used by the
// grid-interpolation kernels.
type Grid struct {
	size int
	min  float64
	step float64
}

// NewGrid creates a regular grid of the given size spanning bounds.
func NewGrid(size int, bounds gp.Bound) *Grid {
	if size < 2 {
		panic(fmt.Sprintf("kernels: grid size must be at least 2, got %d", size))
	}
	if bounds.Min >= bounds.Max {
		panic(fmt.Sprintf("kernels: degenerate grid bounds [%v, %v]", bounds.Min, bounds.Max))
	}
	return &Grid{
		size: size,
		min:  bounds.Min,
		step: (bounds.Max - bounds.Min) / float64(size-1),
	}
}

// Size returns the number of grid nodes.
func (g *Grid) Size() int { return g.size }

// Step returns the spacing between adjacent grid nodes.
func (g *Grid) Step() float64 { return g.step }

// Point returns the coordinate of the i-th grid node.
func (g *Grid) Point(i int) float64 { return g.min + float64(i)*g.step }

// Interpolate computes the cubic convolution interpolation of x onto the
// grid: a 4-node stencil with weights that sum to one. A point exactly on a
// grid node gets full weight there. Stencil nodes that would fall outside
// the grid are folded onto the nearest edge node.
func (g *Grid) Interpolate(x float64) (idx [stencilSize]int, w [stencilSize]float64) {
	t := (x - g.min) / g.step
	j := int(math.Floor(t))
	if j < 0 {
		j = 0
	}
	if j > g.size-1 {
		j = g.size - 1
	}
	u := t - float64(j)
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}

	// Keys cubic convolution coefficients (a = -1/2) for nodes at
	// distances 1+u, u, 1-u and 2-u from x.
	w[0] = cubicOuter(1 + u)
	w[1] = cubicInner(u)
	w[2] = cubicInner(1 - u)
	w[3] = cubicOuter(2 - u)

	for a := 0; a < stencilSize; a++ {
		i := j + a - 1
		if i < 0 {
			i = 0
		}
		if i > g.size-1 {
			i = g.size - 1
		}
		idx[a] = i
	}
	return idx, w
}

// cubicInner is the Keys kernel on |t| <= 1: 1.5|t|^3 - 2.5|t|^2 + 1.
func cubicInner(t float64) float64 {
	return ((1.5*t-2.5)*t)*t + 1
}

// cubicOuter is the Keys kernel on 1 < |t| <= 2: -0.5|t|^3 + 2.5|t|^2 - 4|t| + 2.
func cubicOuter(t float64) float64 {
	return ((-0.5*t+2.5)*t-4)*t + 2
}
