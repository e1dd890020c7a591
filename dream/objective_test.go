package dream

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/dreamloom/nn"
)

// constantNet has one 1x1 convolution whose 4 output channels are all 2.0
func constantNet() *nn.Network {
	conv := nn.InitConv2DLayer(3, 1, 1, 0, 4, nn.ActivationLinear)
	conv.Name = "const"
	for i := range conv.Kernel {
		conv.Kernel[i] = 0
	}
	for i := range conv.Bias {
		conv.Bias[i] = 2
	}
	return nn.NewNetwork(conv)
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestMeanLoss(t *testing.T) {
	v, g, err := MeanLoss([]float32{1, 2, 3, 6})
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Errorf("mean = %v, want 3", v)
	}
	for _, x := range g {
		if x != 0.25 {
			t.Errorf("gradient %v, want 0.25", g)
			break
		}
	}
	if _, _, err := MeanLoss(nil); !errors.Is(err, nn.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for empty input, got %v", err)
	}
}

func TestChannelObjectiveOnConstantLayer(t *testing.T) {
	net := constantNet()
	objectives, err := RegisterHook(net, "const", 1, MeanLoss, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(objectives) != 1 || objectives[0].Extraction != ExtractChannel {
		t.Fatalf("unexpected objectives %+v", objectives)
	}

	if _, err := net.Forward(nn.NewTensor[float32](1, 3, 5, 5)); err != nil {
		t.Fatal(err)
	}
	loss, err := objectives[0].Loss()
	if err != nil {
		t.Fatal(err)
	}
	if loss != -2 {
		t.Errorf("loss = %v, want -2", loss)
	}

	// Only channel 1 carries gradient: -1/25 per pixel
	grad := objectives[0].OutputGradient(0)
	for i, g := range grad {
		want := float32(0)
		if i/25 == 1 {
			want = -1.0 / 25
		}
		if !approx(float64(g), float64(want), 1e-7) {
			t.Fatalf("grad[%d] = %v, want %v", i, g, want)
		}
	}
	if objectives[0].OutputGradient(1) != nil {
		t.Error("objective must only seed its own layer")
	}
}

func TestWholeLayerObjective(t *testing.T) {
	o := &Objective{Layer: "x", Channel: AllChannels, Extraction: ExtractLayer}
	x := nn.NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err := o.Evaluate(x); err != nil {
		t.Fatal(err)
	}
	if loss, _ := o.Loss(); loss != -3.5 {
		t.Errorf("loss = %v, want -3.5", loss)
	}
}

func TestChannelOutOfRange(t *testing.T) {
	net := constantNet()
	for _, ch := range []int{4, 10, -2} {
		if _, err := RegisterHook(net, "const", ch, nil, false); !errors.Is(err, ErrChannelOutOfRange) {
			t.Errorf("channel %d: expected ErrChannelOutOfRange, got %v", ch, err)
		}
	}

	o := &Objective{Layer: "x", Channel: 3, Extraction: ExtractChannel}
	if err := o.Evaluate(nn.NewTensor[float32](1, 3, 2, 2)); !errors.Is(err, ErrChannelOutOfRange) {
		t.Errorf("Expected ErrChannelOutOfRange, got %v", err)
	}
	if _, err := o.Loss(); !errors.Is(err, ErrNoLoss) {
		t.Errorf("failed evaluation must not store a loss, got %v", err)
	}
}

func TestUnknownLayer(t *testing.T) {
	net := constantNet()
	if _, err := RegisterHook(net, "mixed5a", AllChannels, nil, false); !errors.Is(err, nn.ErrLayerNotFound) {
		t.Errorf("Expected ErrLayerNotFound, got %v", err)
	}
	if _, err := RegisterBatchHook(net, "fc", nil, 0, 100); !errors.Is(err, nn.ErrLayerNotFound) {
		t.Errorf("Expected ErrLayerNotFound, got %v", err)
	}
}

func TestNeuronExtractionUsesCenter(t *testing.T) {
	x := nn.NewTensor[float32](1, 3, 8, 8)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	center := func(ch int) int { return ch*64 + 4*8 + 4 }

	tests := []struct {
		channel int
		want    float32
		indices []int
	}{
		{1, -x.Data[center(1)], []int{center(1)}},
		{AllChannels, -(x.Data[center(0)] + x.Data[center(1)] + x.Data[center(2)]) / 3, []int{center(0), center(1), center(2)}},
	}
	for _, tt := range tests {
		o := &Objective{Layer: "x", Channel: tt.channel, Extraction: ExtractNeuron}
		if err := o.Evaluate(x); err != nil {
			t.Fatal(err)
		}
		loss, _ := o.Loss()
		if !approx(float64(loss), float64(tt.want), 1e-4) {
			t.Errorf("channel %d: loss = %v, want %v", tt.channel, loss, tt.want)
		}

		grad := o.cell.Gradient()
		nonzero := 0
		for _, g := range grad {
			if g != 0 {
				nonzero++
			}
		}
		if nonzero != len(tt.indices) {
			t.Errorf("channel %d: %d gradient entries set, want %d", tt.channel, nonzero, len(tt.indices))
		}
		for _, i := range tt.indices {
			if grad[i] == 0 {
				t.Errorf("channel %d: no gradient at center index %d", tt.channel, i)
			}
		}
	}
}

func TestNeuronIgnoredWithoutSpatialExtent(t *testing.T) {
	o := &Objective{Layer: "fc", Channel: 2, Extraction: ExtractNeuron}
	x := nn.NewTensorFromSlice([]float32{0, 1, 7, 0, 1, 9}, 2, 3)
	if err := o.Evaluate(x); err != nil {
		t.Fatal(err)
	}
	if loss, _ := o.Loss(); loss != -8 {
		t.Errorf("loss = %v, want -8", loss)
	}
}

func TestBatchObjectiveComposition(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := nn.NewTensor[float32](3, 2, 2, 2)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}

	o := &Objective{Layer: "x", Channel: 0, Extraction: ExtractChannel, Diverse: true, PenaltyStrength: 100}
	if err := o.Evaluate(x); err != nil {
		t.Fatal(err)
	}

	var sum float64
	for b := 0; b < 3; b++ {
		for p := 0; p < 4; p++ {
			sum += float64(x.Data[b*8+p])
		}
	}
	d, _ := Diversity(x)
	want := -sum/12 - 100*float64(d)
	if loss, _ := o.Loss(); !approx(float64(loss), want, 1e-3) {
		t.Errorf("loss = %v, want %v", loss, want)
	}
}

func TestRegisterBatchHook(t *testing.T) {
	net := constantNet()
	objectives, err := RegisterBatchHook(net, "const", MeanLoss, 2, 50)
	if err != nil {
		t.Fatal(err)
	}
	o := objectives[0]
	if !o.Diverse || o.PenaltyStrength != 50 || o.Channel != 2 {
		t.Errorf("unexpected objective %+v", o)
	}

	// Identical samples: diversity is -(B-1), so the penalty raises the loss by 50*(B-1)
	if _, err := net.Forward(nn.NewTensor[float32](3, 3, 2, 2)); err != nil {
		t.Fatal(err)
	}
	loss, err := o.Loss()
	if err != nil {
		t.Fatal(err)
	}
	if !approx(float64(loss), -2+50*2, 1e-3) {
		t.Errorf("loss = %v, want %v", loss, -2+50*2)
	}
}

func TestObjectiveDetectAnomaly(t *testing.T) {
	nan := func(x []float32) (float32, []float32, error) {
		return float32(math.NaN()), make([]float32, len(x)), nil
	}
	o := &Objective{Layer: "x", Channel: AllChannels, LossFunc: nan, DetectAnomaly: true}
	if err := o.Evaluate(nn.NewTensor[float32](1, 2, 2, 2)); !errors.Is(err, ErrAnomaly) {
		t.Errorf("Expected ErrAnomaly, got %v", err)
	}

	o.DetectAnomaly = false
	if err := o.Evaluate(nn.NewTensor[float32](1, 2, 2, 2)); err != nil {
		t.Errorf("without anomaly detection NaN must pass through, got %v", err)
	}
}

func TestLossCellReset(t *testing.T) {
	var c LossCell
	if _, ok := c.Value(); ok {
		t.Error("empty cell reports a value")
	}
	c.Store(-1, []float32{1}, []int{1, 1})
	if v, ok := c.Value(); !ok || v != -1 {
		t.Errorf("Value() = %v, %v", v, ok)
	}
	c.Reset()
	if c.Gradient() != nil {
		t.Error("reset cell still holds a gradient")
	}
}
