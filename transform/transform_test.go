package transform

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/dreamloom/nn"
)

func randomTensor(rng *rand.Rand, shape ...int) *nn.Tensor[float32] {
	t := nn.NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Every stage is linear for a fixed random draw, so Backward must be the adjoint of the
// Forward that preceded it: <F(x), g> == <x, B(g)>.
func TestStagesAreAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	color, err := NewColorDecorrelation(ImageNetColorCorrelation)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		stage Stage
		shape []int
	}{
		{NewJitter(3, rng), []int{2, 3, 8, 9}},
		{NewReflectionPad(2), []int{1, 3, 6, 7}},
		{NewCenterCrop(2), []int{1, 3, 8, 8}},
		{NewRandomScale([]float64{0.8, 1.25}, rng), []int{1, 3, 8, 10}},
		{NewRandomRotation([]float64{-20, 7}, rng), []int{2, 3, 9, 9}},
		{color, []int{2, 3, 5, 4}},
		{NewSpectralParam(6, 5, 1.0), []int{2, 3, 6, 5, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.stage.Name(), func(t *testing.T) {
			for trial := 0; trial < 3; trial++ {
				x := randomTensor(rng, tt.shape...)
				y, err := tt.stage.Forward(x)
				if err != nil {
					t.Fatalf("Forward: %v", err)
				}
				g := randomTensor(rng, y.Shape...)
				gx, err := tt.stage.Backward(g)
				if err != nil {
					t.Fatalf("Backward: %v", err)
				}
				if !gx.SameShape(x) {
					t.Fatalf("Backward shape %v, input %v", gx.Shape, x.Shape)
				}

				lhs, rhs := dot(y.Data, g.Data), dot(x.Data, gx.Data)
				if math.Abs(lhs-rhs) > 1e-3*(1+math.Abs(lhs)) {
					t.Errorf("<F(x),g> = %v but <x,B(g)> = %v", lhs, rhs)
				}
			}
		})
	}
}

func TestShapePreservingStages(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	color, _ := NewColorDecorrelation(ImageNetColorCorrelation)
	for _, s := range []Stage{NewJitter(4, rng), NewRandomRotation(nil, rng), color} {
		x := randomTensor(rng, 1, 3, 7, 7)
		y, err := s.Forward(x)
		if err != nil {
			t.Fatalf("%s: %v", s.Name(), err)
		}
		if !y.SameShape(x) {
			t.Errorf("%s changed shape %v -> %v", s.Name(), x.Shape, y.Shape)
		}
	}
}

func TestPadThenCropIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomTensor(rng, 1, 3, 5, 6)
	p := NewPipeline(NewReflectionPad(2), NewCenterCrop(2))

	y, err := p.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x.Data {
		if y.Data[i] != x.Data[i] {
			t.Fatalf("pad+crop changed pixel %d", i)
		}
	}
	g, err := p.Backward(y)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x.Data {
		if g.Data[i] != x.Data[i] {
			t.Fatalf("pad+crop gradient differs at %d", i)
		}
	}
}

func TestReflectionPadValues(t *testing.T) {
	x := nn.NewTensorFromSlice([]float32{1, 2, 3}, 1, 1, 1, 3)
	pad := NewReflectionPad(1)
	if _, err := pad.Forward(x); !errors.Is(err, nn.ErrShapeMismatch) {
		t.Errorf("padding a single row by 1 should fail, got %v", err)
	}

	x = nn.NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 1, 1, 2, 3)
	y, err := pad.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	// Row 0 of the padded image mirrors input row 1: [5 4 5 6 5]
	want := []float32{5, 4, 5, 6, 5}
	for i, w := range want {
		if y.Data[i] != w {
			t.Errorf("padded[0][%d] = %v, want %v", i, y.Data[i], w)
		}
	}
}

func TestJitterZeroIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomTensor(rng, 1, 3, 4, 4)
	y, err := NewJitter(0, rng).Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x.Data {
		if x.Data[i] != y.Data[i] {
			t.Fatal("jitter(0) must not move pixels")
		}
	}
}

func TestRollWraps(t *testing.T) {
	x := nn.NewTensorFromSlice([]float32{1, 2, 3}, 1, 1, 1, 3)
	y := roll(x, 0, 1)
	want := []float32{3, 1, 2}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Errorf("roll: got %v, want %v", y.Data, want)
			break
		}
	}
}

func TestRandomScaleIdentityAtOne(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := randomTensor(rng, 1, 3, 6, 6)
	y, err := NewRandomScale([]float64{1}, rng).Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x.Data {
		if math.Abs(float64(x.Data[i]-y.Data[i])) > 1e-6 {
			t.Fatalf("scale 1 changed pixel %d: %v -> %v", i, x.Data[i], y.Data[i])
		}
	}

	y, err = NewRandomScale([]float64{1.5}, rng).Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if y.Shape[2] != 9 || y.Shape[3] != 9 {
		t.Errorf("scale 1.5 of 6x6: got %v", y.Shape)
	}
}

func TestColorDecorrelationNormalized(t *testing.T) {
	c, err := NewColorDecorrelation(ImageNetColorCorrelation)
	if err != nil {
		t.Fatal(err)
	}
	var maxNorm float64
	for col := 0; col < 3; col++ {
		var sq float64
		for row := 0; row < 3; row++ {
			sq += float64(c.Matrix[row][col]) * float64(c.Matrix[row][col])
		}
		maxNorm = math.Max(maxNorm, math.Sqrt(sq))
	}
	if math.Abs(maxNorm-1) > 1e-6 {
		t.Errorf("largest column norm: %v", maxNorm)
	}

	if _, err := NewColorDecorrelation([][]float32{{1, 0}, {0, 1}}); !errors.Is(err, nn.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for 2x2 matrix, got %v", err)
	}
}

func TestSpectralParamDC(t *testing.T) {
	// A pure DC coefficient renders as a constant image
	s := NewSpectralParam(4, 4, 1.0)
	x := nn.NewTensor[float32](1, 1, 4, 4, 2)
	x.Data[0] = 1
	y, err := s.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := y.Data[0]
	if want == 0 {
		t.Fatal("DC coefficient rendered as zero")
	}
	for i, v := range y.Data {
		if math.Abs(float64(v-want)) > 1e-6 {
			t.Errorf("pixel %d = %v, want constant %v", i, v, want)
		}
	}

	if _, err := s.Forward(nn.NewTensor[float32](1, 3, 4, 4)); !errors.Is(err, nn.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for image-shaped input, got %v", err)
	}
}

func TestDecorrelationLayers(t *testing.T) {
	stages, deprocess, err := DecorrelationLayers(DecorrelationConfig{})
	if err != nil || stages != nil || deprocess != nil {
		t.Errorf("no decorrelation should give nothing, got %v %v", stages, err)
	}

	stages, deprocess, err = DecorrelationLayers(DecorrelationConfig{Height: 8, Width: 6, FFT: true, DecayPower: 1, Color: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 || stages[0].Name() != "spectral_param" || stages[1].Name() != "color_decorrelation" {
		t.Fatalf("unexpected stages %v", NewPipeline(stages...).Names())
	}

	rng := rand.New(rand.NewSource(9))
	param := stages[0].(*SpectralParam).NewParameterTensor(2, 0.01, rng)
	img, err := deprocess(param)
	if err != nil {
		t.Fatal(err)
	}
	if len(img.Shape) != 4 || img.Shape[0] != 2 || img.Shape[1] != 3 || img.Shape[2] != 8 || img.Shape[3] != 6 {
		t.Errorf("deprocessed shape %v", img.Shape)
	}
}

func TestParseLists(t *testing.T) {
	scales, err := ParseScaleList("none")
	if err != nil || len(scales) != 11 || scales[0] != 0.9 || scales[10] != 1.1 {
		t.Errorf("default scales: %v %v", scales, err)
	}
	degrees, err := ParseRotationList("-10, 0,10")
	if err != nil || len(degrees) != 3 || degrees[0] != -10 {
		t.Errorf("rotation list: %v %v", degrees, err)
	}
	if _, err := ParseScaleList("1,x"); err == nil {
		t.Error("Expected error for bad scale list")
	}
}

func TestPipelineAnomaly(t *testing.T) {
	p := NewPipeline(NewCenterCrop(0))
	p.DetectAnomaly = true
	x := nn.NewTensor[float32](1, 1, 2, 2)
	if _, err := p.Forward(x); err != nil {
		t.Fatal(err)
	}
	g := nn.NewTensorFromSlice([]float32{0, float32(math.Inf(1)), 0, 0}, 1, 1, 2, 2)
	if _, err := p.Backward(g); !errors.Is(err, nn.ErrAnomaly) {
		t.Errorf("Expected ErrAnomaly, got %v", err)
	}
}
