package server

import (
	"gonum.org/v1/gonum/mat"

	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/means"
	"github.com/jmhessel/gpytorch/internal/gp/models"
)

// regressionJob adapts a fitted GPRegressor to the job API.
type regressionJob struct {
	model *models.GPRegressor
	mean  *means.ConstantMean
	base  *kernels.RBFKernel
}

func (j *regressionJob) predict(x *mat.Dense, fast bool) (map[string]interface{}, error) {
	var mean, variance *mat.VecDense
	var err error
	if fast {
		mean, variance, err = j.model.PredictFast(x)
	} else {
		mean, variance, err = j.model.Predict(x)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"mean":     vecToSlice(mean),
		"variance": vecToSlice(variance),
	}, nil
}

func (j *regressionJob) hyperparameters() map[string]float64 {
	return map[string]float64{
		"constant_mean": j.mean.Constant(),
		"lengthscale":   j.base.Lengthscale(),
		"noise":         j.model.Likelihood().Noise(),
	}
}

// classificationJob adapts a fitted GPClassifier to the job API.
type classificationJob struct {
	model  *models.GPClassifier
	mean   *means.ConstantMean
	kernel *kernels.ScaledRBFKernel
}

func (j *classificationJob) predict(x *mat.Dense, fast bool) (map[string]interface{}, error) {
	var probs *mat.VecDense
	var err error
	if fast {
		probs, err = j.model.PredictFast(x)
	} else {
		probs, err = j.model.Predict(x)
	}
	if err != nil {
		return nil, err
	}
	classes := make([]float64, probs.Len())
	for i := range classes {
		if probs.AtVec(i) >= 0.5 {
			classes[i] = 1
		} else {
			classes[i] = -1
		}
	}
	return map[string]interface{}{
		"probabilities": vecToSlice(probs),
		"classes":       classes,
	}, nil
}

func (j *classificationJob) hyperparameters() map[string]float64 {
	return map[string]float64{
		"constant_mean": j.mean.Constant(),
		"lengthscale":   j.kernel.Lengthscale(),
		"outputscale":   j.kernel.Outputscale(),
	}
}

func vecToSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
