package main

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfluke/dreamloom/nn"
	"github.com/openfluke/dreamloom/transform"
)

func TestPreprocessingOrder(t *testing.T) {
	p := &params{
		jitter:             "8,2",
		fftDecorrelation:   true,
		decayPower:         1,
		colorDecorrelation: "none",
		randomScale:        "none",
		randomRotation:     "-5,5",
		padding:            4,
	}
	stages, deprocess, err := preprocessing(p, nn.NewNetwork(), 16, 16, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if deprocess == nil {
		t.Error("Expected a deprocess function with decorrelation enabled")
	}

	got := strings.Join(transform.NewPipeline(stages...).Names(), " ")
	want := "spectral_param color_decorrelation reflection_pad(4) jitter(8) random_scale random_rotation jitter(2) center_crop(4)"
	if got != want {
		t.Errorf("stages:\n got %s\nwant %s", got, want)
	}
}

func TestPreprocessingMinimal(t *testing.T) {
	p := &params{jitter: "0"}
	stages, deprocess, err := preprocessing(p, nn.NewNetwork(), 8, 8, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 0 || deprocess != nil {
		t.Errorf("Expected no stages, got %d", len(stages))
	}

	p.jitter = "x"
	if _, _, err := preprocessing(p, nn.NewNetwork(), 8, 8, rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error for a bad jitter list")
	}
}

func TestInitialInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x, err := initialInput(&params{jitter: "0"}, nil, 6, 5, nil, rng)
	if err != nil {
		t.Fatal(err)
	}
	if nn.ShapeString(x.Shape) != "[1, 3, 6, 5]" {
		t.Errorf("noise shape %s", nn.ShapeString(x.Shape))
	}
	if nn.Max(x.Data) > 0.1 || nn.Min(x.Data) < -0.1 {
		t.Errorf("noise too large: [%v, %v]", nn.Min(x.Data), nn.Max(x.Data))
	}

	p := &params{jitter: "0", fftDecorrelation: true, decayPower: 1}
	stages, _, err := preprocessing(p, nn.NewNetwork(), 6, 5, rng)
	if err != nil {
		t.Fatal(err)
	}
	x, err = initialInput(p, stages, 6, 5, nil, rng)
	if err != nil {
		t.Fatal(err)
	}
	if x.Rank() != 5 || x.Shape[0] != 1 || x.Shape[1] != 3 || x.Shape[4] != 2 {
		t.Errorf("spectral shape %s", nn.ShapeString(x.Shape))
	}

	p.contentImage = "content.jpg"
	if _, err := initialInput(p, stages, 6, 5, nil, rng); err == nil {
		t.Error("Expected error for content image with FFT decorrelation")
	}
}

func TestInputMean(t *testing.T) {
	mean, err := inputMean("1,2,3", &nn.NormStats{Mean: []float32{4, 5, 6}}, false)
	if err != nil || mean[2] != 3 {
		t.Errorf("flag mean: %v %v", mean, err)
	}
	mean, err = inputMean("", &nn.NormStats{Mean: []float32{4, 5, 6}}, false)
	if err != nil || mean[0] != 4 {
		t.Errorf("norm mean: %v %v", mean, err)
	}
	mean, err = inputMean("", nil, true)
	if err != nil || len(mean) != 3 {
		t.Errorf("default mean: %v %v", mean, err)
	}
	if _, err := inputMean("1,2", nil, false); err == nil {
		t.Error("Expected error for a two value mean")
	}
}

func TestNewOptimizerMomentum(t *testing.T) {
	// Two steps along a constant unit gradient at lr 1: plain SGD moves 2, momentum 0.9 moves 1 + 1.9
	for _, tc := range []struct {
		momentum float64
		want     float32
	}{{0, -2}, {0.9, -2.9}} {
		opt, err := newOptimizer("sgd", tc.momentum)
		if err != nil {
			t.Fatal(err)
		}
		param := nn.NewParameter(nn.NewTensor[float32](1))
		param.Grad = nn.NewTensorFromSlice([]float32{1}, 1)
		for i := 0; i < 2; i++ {
			if err := opt.Step([]*nn.Parameter{param}, 1); err != nil {
				t.Fatal(err)
			}
		}
		if got := param.Value.Data[0]; math.Abs(float64(got-tc.want)) > 1e-6 {
			t.Errorf("momentum %v: got %v, want %v", tc.momentum, got, tc.want)
		}
	}

	if _, err := newOptimizer("adam", 0.9); err == nil {
		t.Error("Expected error for momentum without sgd")
	}
}

func TestParseMatrix(t *testing.T) {
	m, err := parseMatrix("1,0,0, 0,1,0, 0,0,1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 3 || m[1][1] != 1 || m[2][0] != 0 {
		t.Errorf("matrix %v", m)
	}
	if _, err := parseMatrix("1,2,3"); err == nil {
		t.Error("Expected error for 3 values")
	}
}
