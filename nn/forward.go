package nn

import (
	"fmt"
)

// Forward runs the network on input and stores intermediate activations for backprop.
// It returns the output of the last trunk layer; branch outputs are available via LayerOutput.
func (n *Network) Forward(input *Tensor[float32]) (*Tensor[float32], error) {
	if input == nil || input.Rank() == 0 || input.Size() == 0 {
		return nil, fmt.Errorf("%w: empty network input", ErrShapeMismatch)
	}
	if len(n.Layers) == 0 {
		return nil, fmt.Errorf("forward: network has no layers")
	}
	if len(n.outputs) != len(n.Layers) {
		n.resetStorage()
	}

	n.BatchSize = input.Shape[0]
	n.stepCount++

	data := input
	for layerIdx := range n.Layers {
		config := &n.Layers[layerIdx]

		pre, out, err := n.forwardLayer(layerIdx, config, data)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", layerIdx, config.Name, err)
		}
		if n.DetectAnomaly {
			if err := CheckFinite(fmt.Sprintf("forward layer %d (%s)", layerIdx, config.Name), out.Data); err != nil {
				return nil, err
			}
		}

		n.inputs[layerIdx] = data
		n.preActivations[layerIdx] = pre
		n.outputs[layerIdx] = out

		if err := n.notifyObserver(layerIdx, "forward", data, out); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", layerIdx, config.Name, err)
		}

		// Branches observe the trunk but never replace it
		if !config.Branch {
			data = out
		}
	}

	return data, nil
}

// forwardLayer routes one layer to its CPU implementation
func (n *Network) forwardLayer(layerIdx int, config *LayerConfig, data *Tensor[float32]) (pre, out *Tensor[float32], err error) {
	switch config.Type {
	case LayerConv2D:
		return conv2DForwardCPU(data, config)
	case LayerDense:
		return denseForwardCPU(data, config)
	case LayerMaxPool2D:
		var indices []int
		out, indices, err = maxPool2DForwardCPU(data, config)
		n.poolIndices[layerIdx] = indices
		return nil, out, err
	case LayerAvgPool2D:
		out, err = avgPool2DForwardCPU(data, config)
		return nil, out, err
	case LayerGlobalAvgPool:
		out, err = globalAvgPoolForwardCPU(data)
		return nil, out, err
	case LayerSoftmax:
		out, err = softmaxForwardCPU(data, config)
		return nil, out, err
	case LayerParallel:
		out, err = n.parallelForward(layerIdx, config, data)
		return nil, out, err
	case LayerSequential:
		out, err = n.runSub(n.subNetworks(layerIdx, config)[0], data)
		return nil, out, err
	case LayerResidual:
		pre, err = n.residualForward(layerIdx, config, data)
		if err != nil {
			return nil, nil, err
		}
		return pre, activate(pre, config.Activation), nil
	default:
		return nil, nil, fmt.Errorf("unsupported layer type %d", config.Type)
	}
}
