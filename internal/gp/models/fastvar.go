package models

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jmhessel/gpytorch/internal/gp"
)

// fastVarCache holds a rank-r root R such that the quadratic form
// k^T M k of the predictive-variance reduction matrix M is approximated by
// |R^T k|^2. Truncating to the dominant eigenspace makes the approximation
// an underestimate of the reduction, so the approximated variance is never
// smaller than the exact one and never negative after clamping.
type fastVarCache struct {
	root *mat.Dense // n x r
}

// newFastVarCache builds the cache from a symmetric reduction matrix. If
// invert is true, m is a covariance matrix and the cached root approximates
// its inverse (regression); otherwise m itself is the reduction matrix
// (classification). In both cases the r eigenpairs with the largest
// eigenvalues of m are kept. A matrix with no positive eigenvalues yields
// an empty cache whose reduction is zero.
func newFastVarCache(m *mat.SymDense, rank int, invert bool) (*fastVarCache, error) {
	n := m.SymmetricDim()
	if rank > n {
		rank = n
	}
	if rank < 1 {
		return nil, errors.New("rank must be positive")
	}

	var es mat.EigenSym
	if ok := es.Factorize(m, true); !ok {
		return nil, errors.New("eigendecomposition failed")
	}
	vals := es.Values(nil) // ascending
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	const tol = 1e-12
	root := mat.NewDense(n, rank, nil)
	col := 0
	for i := n - 1; i >= 0 && col < rank; i-- {
		lambda := vals[i]
		if lambda <= tol {
			break
		}
		var scale float64
		if invert {
			scale = 1 / math.Sqrt(lambda)
		} else {
			scale = math.Sqrt(lambda)
		}
		for j := 0; j < n; j++ {
			root.Set(j, col, scale*vecs.At(j, i))
		}
		col++
	}
	if col == 0 {
		return &fastVarCache{}, nil
	}
	return &fastVarCache{root: root.Slice(0, n, 0, col).(*mat.Dense)}, nil
}

// reduction returns the approximate quadratic form |R^T k|^2 for the
// covariance vector k between a test point and the training points.
func (c *fastVarCache) reduction(k *mat.VecDense) float64 {
	if c.root == nil {
		return 0
	}
	_, r := c.root.Dims()
	var sum float64
	for j := 0; j < r; j++ {
		var dot float64
		for i := 0; i < k.Len(); i++ {
			dot += c.root.At(i, j) * k.AtVec(i)
		}
		sum += dot * dot
	}
	return sum
}

// clampVariance ensures a non-negative predictive variance.
func clampVariance(v float64) float64 {
	return math.Max(0, v)
}

// barrierFor concatenates bound sets for a packed parameter vector.
func barrierFor(boundSets ...[]gp.Bound) []gp.Bound {
	var out []gp.Bound
	for _, b := range boundSets {
		out = append(out, b...)
	}
	return out
}
