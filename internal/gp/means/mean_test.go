package means

import (
	"testing"

	"github.com/jmhessel/gpytorch/internal/gp"
)

func TestZeroMean(t *testing.T) {
	var m ZeroMean
	if got := m.Value([]float64{1, 2, 3}); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
	if m.NumHyperparameters() != 0 {
		t.Error("zero mean should have no parameters")
	}
	if err := m.SetHyperparameters([]float64{1}); err == nil {
		t.Error("expected error for unexpected parameter")
	}
}

func TestConstantMean(t *testing.T) {
	m := NewConstantMean(0.5, gp.Bound{Min: -1, Max: 1})
	if got := m.Value([]float64{3}); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}

	if err := m.SetHyperparameters([]float64{-0.25}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Constant(); got != -0.25 {
		t.Errorf("expected -0.25, got %v", got)
	}

	deriv := make([]float64, 1)
	if got := m.ValueDeriv([]float64{7}, deriv); got != -0.25 || deriv[0] != 1 {
		t.Errorf("ValueDeriv: got value %v, deriv %v", got, deriv[0])
	}

	params := m.Hyperparameters(nil)
	if len(params) != 1 || params[0] != -0.25 {
		t.Errorf("unexpected parameters %v", params)
	}

	t.Run("inverted bounds panic", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for inverted bounds")
			}
		}()
		NewConstantMean(0, gp.Bound{Min: 1, Max: -1})
	})
}
