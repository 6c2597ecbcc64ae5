package likelihoods

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ghNode is one node of the 20-point Gauss-Hermite rule used to integrate
// the probit log-likelihood against a Gaussian.
type ghNode struct {
	t float64
	w float64
}

// Positive half of the physicists' 20-point Gauss-Hermite rule; the rule is
// symmetric so each node is used at +t and -t.
var ghHalf = [10]ghNode{
	{5.3874808900112328e+00, 2.2293936455341594e-13},
	{4.6036824495507442e+00, 4.3993409922731820e-10},
	{3.9447640401156252e+00, 1.0860693707692826e-07},
	{3.3478545673832163e+00, 7.8025564785320599e-06},
	{2.7888060584281305e+00, 2.2833863601635394e-04},
	{2.2549740020892757e+00, 3.2437733422378545e-03},
	{1.7385377121165861e+00, 2.4810520887463623e-02},
	{1.2340762153953231e+00, 1.0901720602002324e-01},
	{7.3747372854539439e-01, 2.8667550536283398e-01},
	{2.4534070830090127e-01, 4.6224366960060997e-01},
}

// BernoulliLikelihood is a Bernoulli observation model with a probit link:
// p(y=1|f) = Phi(f). Labels are encoded as -1 and +1.
type BernoulliLikelihood struct{}

// NewBernoulliLikelihood creates a Bernoulli likelihood.
func NewBernoulliLikelihood() *BernoulliLikelihood { return &BernoulliLikelihood{} }

// ValidateLabels checks that every label is -1 or +1.
func (l *BernoulliLikelihood) ValidateLabels(y []float64) error {
	for i, v := range y {
		if v != -1 && v != 1 {
			return fmt.Errorf("label %d is %v, want -1 or +1", i, v)
		}
	}
	return nil
}

// Probability returns p(y=1) for a Gaussian latent with the given mean and
// variance, using the closed-form probit-Gaussian integral
// Phi(mean / sqrt(1 + variance)).
func (l *BernoulliLikelihood) Probability(mean, variance float64) float64 {
	if variance < 0 {
		variance = 0
	}
	return distuv.UnitNormal.CDF(mean / math.Sqrt(1+variance))
}

// ExpectedLogProb computes E[log p(y|f)] for f ~ N(mean, variance) by
// Gauss-Hermite quadrature, together with the partial derivatives of the
// expectation with respect to the mean and the variance.
func (l *BernoulliLikelihood) ExpectedLogProb(y, mean, variance float64) (val, dMean, dVariance float64) {
	if variance < 1e-12 {
		variance = 1e-12
	}
	scale := math.Sqrt(2 * variance)
	for _, node := range ghHalf {
		for _, t := range [2]float64{node.t, -node.t} {
			f := mean + scale*t
			z := y * f
			val += node.w * logPhi(z)
			g := y * phiOverPhi(z) // d/df log Phi(y f)
			dMean += node.w * g
			dVariance += node.w * g * t / scale
		}
	}
	invSqrtPi := 1 / math.Sqrt(math.Pi)
	return val * invSqrtPi, dMean * invSqrtPi, dVariance * invSqrtPi
}

// logPhi computes log Phi(z) with an asymptotic tail expansion to avoid
// returning -Inf for very negative z.
func logPhi(z float64) float64 {
	if z < -8 {
		// log Phi(z) ~ log( phi(z) / -z ) for z -> -inf.
		return -0.5*z*z - 0.5*math.Log(2*math.Pi) - math.Log(-z)
	}
	return math.Log(distuv.UnitNormal.CDF(z))
}

// phiOverPhi computes phi(z)/Phi(z), the derivative of log Phi.
func phiOverPhi(z float64) float64 {
	if z < -8 {
		return math.Exp(distuv.UnitNormal.LogProb(z) - logPhi(z))
	}
	return distuv.UnitNormal.Prob(z) / distuv.UnitNormal.CDF(z)
}
