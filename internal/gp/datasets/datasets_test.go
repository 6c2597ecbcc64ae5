package datasets

import (
	"math"
	"testing"
)

func TestSinCosGrid(t *testing.T) {
	x, y := SinCosGrid(4)
	rows, cols := x.Dims()
	if rows != 16 || cols != 2 {
		t.Fatalf("expected 16x2 inputs, got %dx%d", rows, cols)
	}
	if len(y) != 16 {
		t.Fatalf("expected 16 targets, got %d", len(y))
	}

	// Corners of the lattice.
	if x.At(0, 0) != 0 || x.At(0, 1) != 0 {
		t.Errorf("first point should be the origin, got (%v, %v)", x.At(0, 0), x.At(0, 1))
	}
	if x.At(15, 0) != 1 || x.At(15, 1) != 1 {
		t.Errorf("last point should be (1, 1), got (%v, %v)", x.At(15, 0), x.At(15, 1))
	}

	for i := 0; i < rows; i++ {
		want := (math.Sin(x.At(i, 0)) + math.Cos(x.At(i, 1))) * 2 * math.Pi
		if math.Abs(y[i]-want) > 1e-12 {
			t.Errorf("row %d: expected %v, got %v", i, want, y[i])
		}
	}
}

func TestSignCosLine(t *testing.T) {
	x, y := SignCosLine(10)
	rows, cols := x.Dims()
	if rows != 10 || cols != 1 {
		t.Fatalf("expected 10x1 inputs, got %dx%d", rows, cols)
	}

	if x.At(0, 0) != 0 || x.At(9, 0) != 1 {
		t.Errorf("endpoints should be 0 and 1, got %v and %v", x.At(0, 0), x.At(9, 0))
	}

	// Two full periods of cos(4 pi x) over [0, 1].
	want := []float64{1, 1, -1, -1, 1, 1, -1, -1, 1, 1}
	for i, w := range want {
		if y[i] != w {
			t.Errorf("label %d: expected %v, got %v", i, w, y[i])
		}
	}
}
