package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// seedObserver injects a fixed output gradient at one layer
type seedObserver struct {
	grad     []float32
	forwards int
	fail     error
}

func (s *seedObserver) OnForward(event LayerEvent) error {
	s.forwards++
	return s.fail
}

func (s *seedObserver) OnBackward(event LayerEvent) error { return nil }

func (s *seedObserver) OutputGradient(layerIdx int) []float32 { return s.grad }

func randomTensor(rng *rand.Rand, shape ...int) *Tensor[float32] {
	t := NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func testNetwork(rng *rand.Rand) *Network {
	conv1 := InitConv2DLayer(2, 3, 1, 1, 3, ActivationTanh)
	conv1.Name = "conv1"
	pool := InitMaxPool2DLayer(2, 2, 0)
	pool.Name = "pool1"
	conv2 := InitConv2DLayer(3, 1, 1, 0, 4, ActivationSigmoid)
	conv2.Name = "conv2"
	gap := InitGlobalAvgPoolLayer()
	gap.Name = "gap"
	fc := InitDenseLayer(4, 3, ActivationLinear)
	fc.Name = "fc"
	sm := InitSoftmaxLayer()
	sm.Name = "prob"

	layers := []LayerConfig{conv1, pool, conv2, gap, fc, sm}
	for i := range layers {
		for j := range layers[i].Kernel {
			layers[i].Kernel[j] = float32(rng.NormFloat64()) * 0.5
		}
		for j := range layers[i].Bias {
			layers[i].Bias[j] = float32(rng.NormFloat64()) * 0.1
		}
	}
	return NewNetwork(layers...)
}

func weightedSum(out *Tensor[float32], w []float32) float64 {
	var s float64
	for i, v := range out.Data {
		s += float64(v * w[i])
	}
	return s
}

// TestBackwardMatchesNumericGradient checks d(loss)/d(input) against central differences
func TestBackwardMatchesNumericGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net := testNetwork(rng)
	net.Freeze()

	x := randomTensor(rng, 2, 2, 6, 6)
	out, err := net.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 3 {
		t.Fatalf("Expected output [2, 3], got %v", out.Shape)
	}

	w := make([]float32, out.Size())
	for i := range w {
		w[i] = float32(rng.NormFloat64())
	}
	grad, err := net.Backward(NewTensorFromSlice(w, out.Shape...))
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if !grad.SameShape(x) {
		t.Fatalf("Gradient shape %v, input shape %v", grad.Shape, x.Shape)
	}

	const eps = 1e-2
	for _, i := range []int{0, 7, 19, 40, 71, 100, 143} {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus, _ := net.Forward(x)
		lp := weightedSum(plus, w)
		x.Data[i] = orig - eps
		minus, _ := net.Forward(x)
		lm := weightedSum(minus, w)
		x.Data[i] = orig

		numeric := (lp - lm) / (2 * eps)
		if math.Abs(numeric-float64(grad.Data[i])) > 2e-3+0.05*math.Abs(numeric) {
			t.Errorf("grad[%d]: analytic %v, numeric %v", i, grad.Data[i], numeric)
		}
	}

	if net.KernelGradients()[0] != nil {
		t.Errorf("Frozen network should not compute kernel gradients")
	}
}

func TestBackwardSeededByObserver(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	net := testNetwork(rng)
	idx, err := net.LayerIndex("conv2")
	if err != nil {
		t.Fatal(err)
	}

	x := randomTensor(rng, 1, 2, 6, 6)
	if _, err := net.Forward(x); err != nil {
		t.Fatal(err)
	}
	out := net.LayerOutput(idx)
	seed := &seedObserver{grad: make([]float32, out.Size())}
	seed.grad[0] = 1
	if err := net.AttachObserver(idx, seed); err != nil {
		t.Fatal(err)
	}

	if _, err := net.Forward(x); err != nil {
		t.Fatal(err)
	}
	if seed.forwards != 1 {
		t.Errorf("Observer saw %d forward passes, want 1", seed.forwards)
	}
	grad, err := net.Backward(nil)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	// d conv2[0,0,0,0] / dx numerically
	const eps = 1e-2
	for _, i := range []int{0, 1, 6, 7, 36, 43} {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		net.Forward(x)
		lp := float64(net.LayerOutput(idx).Data[0])
		x.Data[i] = orig - eps
		net.Forward(x)
		lm := float64(net.LayerOutput(idx).Data[0])
		x.Data[i] = orig

		numeric := (lp - lm) / (2 * eps)
		if math.Abs(numeric-float64(grad.Data[i])) > 2e-3+0.05*math.Abs(numeric) {
			t.Errorf("grad[%d]: analytic %v, numeric %v", i, grad.Data[i], numeric)
		}
	}
}

func TestBranchGradientFlowsIntoTrunk(t *testing.T) {
	conv := LayerConfig{Name: "stem", Type: LayerConv2D, Activation: ActivationLinear,
		KernelSize: 1, Filters: 1, InputChannels: 1, Kernel: []float32{2}, Bias: []float32{0}}
	aux := LayerConfig{Name: "aux", Type: LayerDense, Branch: true, Activation: ActivationLinear,
		InputSize: 4, OutputSize: 1, Kernel: []float32{1, 1, 1, 1}, Bias: []float32{0}}
	gap := LayerConfig{Name: "gap", Type: LayerGlobalAvgPool}
	net := NewNetwork(conv, aux, gap)

	seed := &seedObserver{grad: []float32{1}}
	if err := net.AttachObserver(1, seed); err != nil {
		t.Fatal(err)
	}

	x := NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	out, err := net.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Shape) != 2 || out.Data[0] != 5 {
		t.Fatalf("Trunk output should skip the branch: got %v %v", out.Shape, out.Data)
	}
	if net.LayerOutput(1).Data[0] != 20 {
		t.Errorf("Branch output: got %v, want 20", net.LayerOutput(1).Data[0])
	}

	// aux = sum(2x) so d aux/dx = 2 everywhere; the trunk head adds 2/4 per pixel
	grad, err := net.Backward(NewTensorFromSlice([]float32{1}, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	for i, g := range grad.Data {
		if math.Abs(float64(g)-2.5) > 1e-6 {
			t.Errorf("grad[%d] = %v, want 2.5", i, g)
		}
	}

	net.DropBranches()
	if len(net.Layers) != 2 || net.Layers[1].Name != "gap" {
		t.Errorf("DropBranches left %v", net.LayerNames())
	}
}

func TestBackwardErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net := testNetwork(rng)

	if _, err := net.Backward(nil); !errors.Is(err, ErrNoForward) {
		t.Errorf("Expected ErrNoForward, got %v", err)
	}
	if _, err := net.Forward(randomTensor(rng, 1, 2, 6, 6)); err != nil {
		t.Fatal(err)
	}
	if _, err := net.Backward(nil); !errors.Is(err, ErrNoGradient) {
		t.Errorf("Expected ErrNoGradient, got %v", err)
	}
	if _, err := net.Forward(randomTensor(rng, 1, 3, 6, 6)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for 3 input channels, got %v", err)
	}
	if _, err := net.LayerIndex("nope"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("Expected ErrLayerNotFound, got %v", err)
	}
}

func TestObserverErrorAbortsForward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net := testNetwork(rng)
	sentinel := errors.New("boom")
	net.AttachObserver(2, &seedObserver{fail: sentinel})

	if _, err := net.Forward(randomTensor(rng, 1, 2, 6, 6)); !errors.Is(err, sentinel) {
		t.Errorf("Expected observer error, got %v", err)
	}
}

func TestMultiObserverSumsGradients(t *testing.T) {
	a := &seedObserver{grad: []float32{1, 2}}
	b := &seedObserver{grad: []float32{3, 4}}
	m := MultiObserver{a, &ConsoleObserver{}, b}
	g := m.OutputGradient(0)
	if len(g) != 2 || g[0] != 4 || g[1] != 6 {
		t.Errorf("MultiObserver gradient: got %v", g)
	}
}

func TestDetectAnomaly(t *testing.T) {
	fc := InitDenseLayer(2, 1, ActivationLinear)
	fc.Kernel = []float32{float32(math.NaN()), 1}
	net := NewNetwork(fc)
	net.DetectAnomaly = true

	_, err := net.Forward(NewTensorFromSlice([]float32{1, 1}, 1, 2))
	if !errors.Is(err, ErrAnomaly) {
		t.Errorf("Expected ErrAnomaly, got %v", err)
	}
}

func TestLayerChannels(t *testing.T) {
	net := testNetwork(rand.New(rand.NewSource(1)))
	want := []int{3, 3, 4, 4, 3, 3}
	for i, w := range want {
		if got := net.LayerChannels(i); got != w {
			t.Errorf("LayerChannels(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestAvgPoolGradient(t *testing.T) {
	pool := InitAvgPool2DLayer(2, 2, 0)
	net := NewNetwork(pool)
	x := NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	out, err := net.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data[0] != 2.5 {
		t.Errorf("avg pool: got %v, want 2.5", out.Data[0])
	}
	grad, err := net.Backward(NewTensorFromSlice([]float32{1}, 1, 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range grad.Data {
		if g != 0.25 {
			t.Errorf("avg pool grad: got %v, want 0.25", g)
		}
	}
}
