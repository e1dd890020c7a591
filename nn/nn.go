// Package nn provides a small CPU neural network used as a frozen image classifier.
//
// A network is an ordered list of layers operating on NCHW float32 tensors:
//   - Conv2D, MaxPool2D, AvgPool2D and GlobalAvgPool for the convolutional trunk
//   - Dense (flattens each sample) and Softmax for the classifier head
//   - Parallel (concat, add or avg of towers), Sequential and Residual blocks nest layers
//   - Branch layers read the trunk at their position without feeding it (auxiliary heads)
//
// Every layer can carry a LayerObserver. Observers see each forward and backward
// computation; observers that also implement GradientSource inject d(loss)/d(output)
// at their layer, which is how an objective defined on an internal layer is
// backpropagated down to the network input:
//
//	net, norm, classes, err := nn.LoadVisModel("model.json", 1000, true)
//	net.Freeze()
//	net.AttachObserver(idx, hook)
//
//	_, err = net.Forward(input)      // hook observes layer idx
//	gradInput, err := net.Backward(nil) // seeded by the hook's gradient
package nn

import (
	"fmt"
	"strings"
)

// Network is a sequential stack of layers with recorded activations for backprop
type Network struct {
	BatchSize int // Batch size of the most recent forward pass

	// DetectAnomaly makes Backward fail at the first layer that produces NaN or Inf.
	DetectAnomaly bool

	Layers []LayerConfig
	Meta   ModelMeta

	frozen       bool
	redirectReLU bool

	// Storage for the most recent forward pass
	// inputs[i] = input of layer i, outputs[i] = output of layer i
	inputs         []*Tensor[float32]
	preActivations []*Tensor[float32]
	outputs        []*Tensor[float32]
	poolIndices    [][]int      // argmax positions for max pooling
	subnets        [][]*Network // sub-layer networks of composite layers

	// Gradient storage for weights (unused while frozen)
	kernelGradients [][]float32
	biasGradients   [][]float32

	stepCount uint64
}

// NewNetwork creates a network from the given layers in order
func NewNetwork(layers ...LayerConfig) *Network {
	n := &Network{
		BatchSize: 1,
		Layers:    layers,
	}
	n.resetStorage()
	return n
}

func (n *Network) resetStorage() {
	total := len(n.Layers)
	n.inputs = make([]*Tensor[float32], total)
	n.preActivations = make([]*Tensor[float32], total)
	n.outputs = make([]*Tensor[float32], total)
	n.poolIndices = make([][]int, total)
	n.subnets = make([][]*Network, total)
	n.kernelGradients = make([][]float32, total)
	n.biasGradients = make([][]float32, total)
}

// TotalLayers returns the number of layers
func (n *Network) TotalLayers() int {
	return len(n.Layers)
}

// GetLayer returns the layer configuration at idx, or nil
func (n *Network) GetLayer(idx int) *LayerConfig {
	if idx >= 0 && idx < len(n.Layers) {
		return &n.Layers[idx]
	}
	return nil
}

// LayerIndex returns the index of the layer with the given name.
func (n *Network) LayerIndex(name string) (int, error) {
	for i := range n.Layers {
		if n.Layers[i].Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q (available: %s)", ErrLayerNotFound, name, strings.Join(n.LayerNames(), ", "))
}

// LayerNames lists the named layers in order
func (n *Network) LayerNames() []string {
	names := make([]string, 0, len(n.Layers))
	for _, l := range n.Layers {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	return names
}

// AttachObserver installs obs on layer idx. An existing observer is kept and both
// are notified.
func (n *Network) AttachObserver(idx int, obs LayerObserver) error {
	cfg := n.GetLayer(idx)
	if cfg == nil {
		return fmt.Errorf("attach observer: layer index %d out of range [0, %d)", idx, len(n.Layers))
	}
	if cfg.Observer == nil {
		cfg.Observer = obs
		return nil
	}
	if multi, ok := cfg.Observer.(MultiObserver); ok {
		cfg.Observer = append(multi, obs)
		return nil
	}
	cfg.Observer = MultiObserver{cfg.Observer, obs}
	return nil
}

// Freeze marks all weights as non-trainable. Backward then only computes input gradients.
func (n *Network) Freeze() {
	n.frozen = true
	for i := range n.kernelGradients {
		n.kernelGradients[i] = nil
		n.biasGradients[i] = nil
	}
}

// Frozen reports whether Freeze was called
func (n *Network) Frozen() bool {
	return n.frozen
}

// RedirectReLU switches ReLU layers to the redirected gradient: when a sample's ReLU
// gradient is entirely zero, the gradient that would raise inactive units passes through.
func (n *Network) RedirectReLU() {
	n.redirectReLU = true
}

// LayerChannels returns the channel (or feature) count produced by layer idx, or 0 when
// it cannot be known before a forward pass. Concat blocks report the sum over their towers.
func (n *Network) LayerChannels(idx int) int {
	channels := 0
	for i := 0; i <= idx && i < len(n.Layers); i++ {
		c := compositeOutChannels(&n.Layers[i], channels)
		if i == idx {
			return c
		}
		if !n.Layers[i].Branch {
			channels = c
		}
	}
	return 0
}

// KernelGradients returns the kernel gradients for all layers
func (n *Network) KernelGradients() [][]float32 {
	return n.kernelGradients
}

// BiasGradients returns the bias gradients for all layers
func (n *Network) BiasGradients() [][]float32 {
	return n.biasGradients
}

// LayerOutput returns the output of layer idx from the most recent forward pass
func (n *Network) LayerOutput(idx int) *Tensor[float32] {
	if idx < 0 || idx >= len(n.outputs) {
		return nil
	}
	return n.outputs[idx]
}

// StepCount returns the number of forward passes performed
func (n *Network) StepCount() uint64 {
	return n.stepCount
}
