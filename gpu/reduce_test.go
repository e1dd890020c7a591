package gpu

import (
	"errors"
	"math"
	"testing"
)

func newTestReducer(t *testing.T) *Reducer {
	t.Helper()
	r, err := NewReducer()
	if errors.Is(err, ErrNoGPU) {
		t.Skipf("skipping: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Release)
	return r
}

func TestReducerSum(t *testing.T) {
	r := newTestReducer(t)

	// Sizes below one workgroup, across several and beyond the workgroup cap
	for _, n := range []int{1, 255, 257, 1000, 300000} {
		x := make([]float32, n)
		var want float64
		for i := range x {
			x[i] = float32(i%7) - 3
			want += float64(x[i])
		}
		got, err := r.Sum(x)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if math.Abs(float64(got)-want) > 1e-2 {
			t.Errorf("n=%d: sum = %v, want %v", n, got, want)
		}
	}
}

func TestReducerMean(t *testing.T) {
	r := newTestReducer(t)
	v, grad, err := r.Mean([]float32{1, 2, 3, 6})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(v)-3) > 1e-6 {
		t.Errorf("mean = %v, want 3", v)
	}
	if len(grad) != 4 || grad[0] != 0.25 {
		t.Errorf("gradient %v", grad)
	}
	if _, _, err := r.Mean(nil); err == nil {
		t.Error("Expected error for empty input")
	}
}
