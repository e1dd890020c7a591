package nn

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadModel(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	net := testNetwork(rng)
	net.Meta = ModelMeta{Epoch: 12, Norm: &NormStats{Mean: []float32{0.5, 0.5}}}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := net.SaveModel(path, "test"); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	loaded, norm, classes, err := LoadVisModel(path, 1000, true)
	if err != nil {
		t.Fatalf("LoadVisModel: %v", err)
	}
	if classes != 3 {
		t.Errorf("Expected 3 classes from the last dense layer, got %d", classes)
	}
	if norm == nil || len(norm.Mean) != 2 {
		t.Errorf("Norm stats not restored: %+v", norm)
	}
	if loaded.Meta.Epoch != 12 {
		t.Errorf("Epoch not restored: %d", loaded.Meta.Epoch)
	}

	x := randomTensor(rng, 1, 2, 6, 6)
	a, err := net.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if d := MaxAbsDiff(a.Data, b.Data); d > 1e-6 {
		t.Errorf("Loaded model differs by %v", d)
	}
}

func TestLoadVisModelDropsBranches(t *testing.T) {
	conv := InitConv2DLayer(1, 1, 1, 0, 2, ActivationReLU)
	conv.Name = "stem"
	aux := InitDenseLayer(8, 5, ActivationLinear)
	aux.Name = "aux"
	aux.Branch = true
	gap := InitGlobalAvgPoolLayer()
	net := NewNetwork(conv, aux, gap)

	path := filepath.Join(t.TempDir(), "branched.json")
	if err := net.SaveModel(path, "b"); err != nil {
		t.Fatal(err)
	}

	loaded, _, classes, err := LoadVisModel(path, 7, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Layers) != 2 {
		t.Errorf("Expected branch to be dropped, layers: %v", loaded.LayerNames())
	}
	// No trunk dense layer: falls back to the requested count
	if classes != 7 {
		t.Errorf("Expected fallback class count 7, got %d", classes)
	}

	withBranches, _, classes, err := LoadVisModel(path, 7, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(withBranches.Layers) != 3 || classes != 7 {
		t.Errorf("Expected 3 layers and 7 classes, got %d and %d", len(withBranches.Layers), classes)
	}
}

func TestLoadVisModelSafetensors(t *testing.T) {
	dir := t.TempDir()
	config := `{
		"id": "tiny",
		"num_classes": 2,
		"epoch": 3,
		"layers": [
			{"name": "conv", "type": "conv2d", "activation": "relu", "input_channels": 1, "filters": 1, "kernel_size": 1},
			{"name": "gap", "type": "global_avg_pool"},
			{"name": "fc", "type": "dense", "input_size": 1, "output_size": 2}
		]
	}`
	cfgPath := filepath.Join(dir, "tiny.json")
	if err := os.WriteFile(cfgPath, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	tensors := map[string]*Tensor[float32]{
		"conv.weight": NewTensorFromSlice([]float32{3}, 1, 1, 1, 1),
		"conv.bias":   NewTensorFromSlice([]float32{1}, 1),
		"fc.weight":   NewTensorFromSlice([]float32{1, -1}, 2, 1),
		"fc.bias":     NewTensorFromSlice([]float32{0, 0.5}, 2),
	}
	if err := SaveSafetensors(filepath.Join(dir, "tiny.safetensors"), tensors); err != nil {
		t.Fatal(err)
	}

	net, norm, classes, err := LoadVisModel(cfgPath, 1000, true)
	if err != nil {
		t.Fatalf("LoadVisModel: %v", err)
	}
	if norm != nil {
		t.Errorf("Expected no norm stats, got %+v", norm)
	}
	if classes != 2 || net.Meta.Epoch != 3 {
		t.Errorf("classes %d epoch %d", classes, net.Meta.Epoch)
	}

	out, err := net.Forward(NewTensorFromSlice([]float32{1, 1, 1, 1}, 1, 1, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	// conv: 3*1+1 = 4, gap: 4, fc: [4, -4+0.5]
	if out.Data[0] != 4 || out.Data[1] != -3.5 {
		t.Errorf("Unexpected output %v", out.Data)
	}
}

func TestSafetensorsRoundTripAndErrors(t *testing.T) {
	data, err := SerializeSafetensors(map[string]*Tensor[float32]{
		"a": NewTensorFromSlice([]float32{1.5, -2}, 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	tensors, err := LoadSafetensorsFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := tensors["a"]; len(got) != 2 || got[0] != 1.5 || got[1] != -2 {
		t.Errorf("round trip: got %v", got)
	}

	if _, err := LoadSafetensorsFromBytes([]byte{1, 2}); err == nil {
		t.Error("Expected error for truncated data")
	}

	net := NewNetwork(LayerConfig{Name: "fc", Type: LayerDense, InputSize: 3, OutputSize: 1,
		Kernel: make([]float32, 3), Bias: make([]float32, 1)})
	err = net.ApplySafetensors(map[string][]float32{"fc.weight": {1, 2}})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestHalfPrecisionConversion(t *testing.T) {
	if v := float16ToFloat32(0x3C00); v != 1 {
		t.Errorf("f16 1.0: got %v", v)
	}
	if v := float16ToFloat32(0xC000); v != -2 {
		t.Errorf("f16 -2.0: got %v", v)
	}
	if v := bfloat16ToFloat32(0x3F80); v != 1 {
		t.Errorf("bf16 1.0: got %v", v)
	}
}

func TestOptimizers(t *testing.T) {
	newParam := func() *Parameter {
		p := NewParameter(NewTensorFromSlice([]float32{1, 1, 1}, 3))
		p.Grad = NewTensorFromSlice([]float32{2, -3, 0}, 3)
		return p
	}

	sgd := NewSGDOptimizer()
	p := newParam()
	if err := sgd.Step([]*Parameter{p}, 0.1); err != nil {
		t.Fatal(err)
	}
	want := []float32{0.8, 1.3, 1}
	for i := range want {
		if math.Abs(float64(p.Value.Data[i]-want[i])) > 1e-6 {
			t.Errorf("SGD[%d] = %v, want %v", i, p.Value.Data[i], want[i])
		}
	}

	// The first Adam step moves each coordinate by lr against the gradient sign
	adam := NewAdamOptimizer()
	if adam.Name() != "Adam" {
		t.Errorf("Expected Adam, got %s", adam.Name())
	}
	p = newParam()
	if err := adam.Step([]*Parameter{p}, 0.1); err != nil {
		t.Fatal(err)
	}
	want = []float32{0.9, 1.1, 1}
	for i := range want {
		if math.Abs(float64(p.Value.Data[i]-want[i])) > 1e-5 {
			t.Errorf("Adam[%d] = %v, want %v", i, p.Value.Data[i], want[i])
		}
	}

	// Parameters without gradients are left alone
	q := NewParameter(NewTensorFromSlice([]float32{5}, 1))
	if err := adam.Step([]*Parameter{q}, 0.1); err != nil || q.Value.Data[0] != 5 {
		t.Errorf("Parameter without gradient changed: %v (%v)", q.Value.Data, err)
	}

	bad := NewParameter(NewTensorFromSlice([]float32{1, 2}, 2))
	bad.Grad = NewTensorFromSlice([]float32{1}, 1)
	if err := adam.Step([]*Parameter{bad}, 0.1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}

	state := adam.GetState()
	restored := NewAdamWOptimizerDefault()
	state["step"] = float64(state["step"].(int))
	state["weight_decay"] = float64(0)
	if err := restored.LoadState(state); err != nil {
		t.Fatal(err)
	}
	if restored.Name() != "Adam" {
		t.Errorf("LoadState should restore zero weight decay")
	}

	if _, err := NewOptimizer("lbfgs"); err == nil {
		t.Error("Expected error for unknown optimizer")
	}
}

func TestSchedulers(t *testing.T) {
	s, err := NewScheduler("cosine", 1.5, 100)
	if err != nil {
		t.Fatal(err)
	}
	if s.GetLR(0) != 1.5 {
		t.Errorf("cosine start: got %v", s.GetLR(0))
	}
	if math.Abs(float64(s.GetLR(100)-0.15)) > 1e-6 {
		t.Errorf("cosine end: got %v", s.GetLR(100))
	}
	if mid := s.GetLR(50); math.Abs(float64(mid-0.825)) > 1e-5 {
		t.Errorf("cosine mid: got %v", mid)
	}

	c, _ := NewScheduler("", 2, 10)
	if c.GetLR(7) != 2 || c.Name() != "Constant" {
		t.Errorf("constant schedule: %v %s", c.GetLR(7), c.Name())
	}
	if _, err := NewScheduler("warp", 1, 1); err == nil {
		t.Error("Expected error for unknown schedule")
	}
}
