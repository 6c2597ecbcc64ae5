// Command train fits a GP model on one of the built-in benchmark datasets
// and reports held-out accuracy.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/jmhessel/gpytorch/internal/gp"
	"github.com/jmhessel/gpytorch/internal/gp/datasets"
	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/likelihoods"
	"github.com/jmhessel/gpytorch/internal/gp/means"
	"github.com/jmhessel/gpytorch/internal/gp/models"
	"github.com/jmhessel/gpytorch/internal/logging"
)

// progressRecorder advances a progress bar on every major optimizer
// iteration.
type progressRecorder struct {
	bar *progressbar.ProgressBar
}

func (r *progressRecorder) Init() error { return nil }

func (r *progressRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op == optimize.MajorIteration {
		_ = r.bar.Add(1)
	}
	return nil
}

func main() {
	var (
		task       = flag.String("task", "regression", "task to train: regression or classification")
		iterations = flag.Int("iterations", 0, "optimizer iteration budget (0 means the task default)")
		gridSize   = flag.Int("grid-size", 100, "inducing grid size for the regression kernel")
		trainSide  = flag.Int("train-side", 30, "training lattice side for regression")
		testSide   = flag.Int("test-side", 10, "test lattice side for regression")
		points     = flag.Int("points", 10, "number of training points for classification")
		fast       = flag.Bool("fast", true, "use the fast predictive variance path")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.NewLogger(&logging.Config{Level: level, Format: "json", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	modelLogger := logging.NewZapLogger(logger)

	ctx := context.Background()
	switch *task {
	case "regression":
		if *iterations == 0 {
			*iterations = 15
		}
		err = runRegression(ctx, modelLogger, *iterations, *gridSize, *trainSide, *testSide, *fast)
	case "classification":
		if *iterations == 0 {
			*iterations = 50
		}
		err = runClassification(ctx, modelLogger, *iterations, *points, *fast)
	default:
		err = fmt.Errorf("unknown task %q", *task)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runRegression(ctx context.Context, logger *zap.Logger, iterations, gridSize, trainSide, testSide int, fast bool) error {
	trainX, trainYRaw := datasets.SinCosGrid(trainSide)
	trainY := mat.NewVecDense(len(trainYRaw), trainYRaw)

	base := kernels.NewRBFKernel(0, gp.Bound{Min: -3, Max: 3})
	kernel := kernels.NewMultiplicativeGridInterpolationKernel(base, gridSize, gp.Bound{Min: 0, Max: 1}, 2)
	mean := means.NewConstantMean(0, gp.Bound{Min: -1, Max: 1})
	likelihood := likelihoods.NewGaussianLikelihood(0.04)

	model, err := models.NewGPRegressor(trainX, trainY, mean, kernel, likelihood)
	if err != nil {
		return err
	}
	model.SetLogger(logger)

	bar := progressbar.Default(int64(iterations), "training")
	err = model.Fit(ctx, gp.FitOptions{
		MaxIterations: iterations,
		Recorder:      &progressRecorder{bar: bar},
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}

	testX, testY := datasets.SinCosGrid(testSide)
	var pred *mat.VecDense
	if fast {
		pred, _, err = model.PredictFast(testX)
	} else {
		pred, _, err = model.Predict(testX)
	}
	if err != nil {
		return err
	}

	var mae float64
	for i, want := range testY {
		mae += math.Abs(pred.AtVec(i) - want)
	}
	mae /= float64(len(testY))

	fmt.Printf("trained on %d points in %d iterations\n", len(trainYRaw), iterations)
	fmt.Printf("lengthscale: %.4f  constant mean: %.4f  noise: %.6f\n",
		base.Lengthscale(), mean.Constant(), likelihood.Noise())
	fmt.Printf("test MAE: %.4f\n", mae)
	return nil
}

func runClassification(ctx context.Context, logger *zap.Logger, iterations, points int, fast bool) error {
	x, y := datasets.SignCosLine(points)

	kernel := kernels.NewScaledRBFKernel(0, gp.Bound{Min: -5, Max: 6}, 0, gp.Bound{Min: -5, Max: 6})
	mean := means.NewConstantMean(0, gp.Bound{Min: -1e-5, Max: 1e-5})

	model, err := models.NewGPClassifier(x, y, mean, kernel)
	if err != nil {
		return err
	}
	model.SetLogger(logger)

	bar := progressbar.Default(int64(iterations), "training")
	err = model.Fit(ctx, gp.FitOptions{
		MaxIterations: iterations,
		Recorder:      &progressRecorder{bar: bar},
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}

	var classes []float64
	if fast {
		classes, err = model.PredictClassesFast(x)
	} else {
		classes, err = model.PredictClasses(x)
	}
	if err != nil {
		return err
	}

	var wrong int
	for i, want := range y {
		if classes[i] != want {
			wrong++
		}
	}

	fmt.Printf("trained on %d points in %d iterations\n", points, iterations)
	fmt.Printf("lengthscale: %.4f  outputscale: %.4f\n", kernel.Lengthscale(), kernel.Outputscale())
	fmt.Printf("training error rate: %.4f\n", float64(wrong)/float64(points))
	return nil
}
