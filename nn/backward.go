package nn

import (
	"fmt"
)

// Backward computes the gradient of the loss with respect to the network input.
//
// gradOutput is d(loss)/d(final trunk output) and may be nil. In addition, every layer
// whose observer implements GradientSource contributes its OutputGradient. Layers above
// the first contribution carry no gradient and are skipped. Branch gradients flow back
// into the trunk at the branch point.
func (n *Network) Backward(gradOutput *Tensor[float32]) (*Tensor[float32], error) {
	total := len(n.Layers)
	if total == 0 || len(n.outputs) != total || n.outputs[total-1] == nil || n.inputs[0] == nil {
		return nil, ErrNoForward
	}

	// trunkGrad is d(loss)/d(current trunk value) while walking down the layers
	var trunkGrad *Tensor[float32]
	if gradOutput != nil {
		last := n.lastTrunkOutput()
		if gradOutput.Size() != last.Size() {
			return nil, fmt.Errorf("%w: output gradient %s for output %s", ErrShapeMismatch, ShapeString(gradOutput.Shape), ShapeString(last.Shape))
		}
		trunkGrad = NewTensorFromSlice(gradOutput.Data, last.Shape...)
	}

	for layerIdx := total - 1; layerIdx >= 0; layerIdx-- {
		config := &n.Layers[layerIdx]
		out := n.outputs[layerIdx]

		var layerGrad *Tensor[float32]
		if !config.Branch && trunkGrad != nil {
			layerGrad = trunkGrad
		}

		if src, ok := config.Observer.(GradientSource); ok {
			if seed := src.OutputGradient(layerIdx); seed != nil {
				if len(seed) != out.Size() {
					return nil, fmt.Errorf("layer %d (%s): %w: seeded gradient has %d values, output %s",
						layerIdx, config.Name, ErrShapeMismatch, len(seed), ShapeString(out.Shape))
				}
				if layerGrad == nil {
					layerGrad = NewTensorFromSlice(seed, out.Shape...)
				} else {
					layerGrad = layerGrad.Clone()
					for i, v := range seed {
						layerGrad.Data[i] += v
					}
				}
			}
		}

		if layerGrad == nil {
			continue
		}

		gradInput, err := n.backwardLayer(layerIdx, config, layerGrad)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", layerIdx, config.Name, err)
		}
		if n.DetectAnomaly {
			if err := CheckFinite(fmt.Sprintf("backward layer %d (%s)", layerIdx, config.Name), gradInput.Data); err != nil {
				return nil, err
			}
		}

		if err := n.notifyObserver(layerIdx, "backward", layerGrad, gradInput); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", layerIdx, config.Name, err)
		}

		if !config.Branch {
			trunkGrad = gradInput
			continue
		}
		if trunkGrad == nil {
			trunkGrad = gradInput
		} else {
			for i, v := range gradInput.Data {
				trunkGrad.Data[i] += v
			}
		}
	}

	if trunkGrad == nil {
		return nil, ErrNoGradient
	}
	return trunkGrad, nil
}

func (n *Network) lastTrunkOutput() *Tensor[float32] {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		if !n.Layers[i].Branch {
			return n.outputs[i]
		}
	}
	return n.inputs[0]
}

// backwardLayer routes one layer to its CPU gradient and records weight gradients
func (n *Network) backwardLayer(layerIdx int, config *LayerConfig, grad *Tensor[float32]) (*Tensor[float32], error) {
	input := n.inputs[layerIdx]
	withWeights := !n.frozen

	switch config.Type {
	case LayerConv2D, LayerDense:
		gradPre := activationBackward(grad, n.preActivations[layerIdx], config.Activation, n.BatchSize, n.redirectReLU)

		var (
			gradInput            *Tensor[float32]
			gradKernel, gradBias []float32
			err                  error
		)
		if config.Type == LayerConv2D {
			gradInput, gradKernel, gradBias, err = conv2DBackwardCPU(gradPre, input, config, withWeights)
		} else {
			gradInput, gradKernel, gradBias, err = denseBackwardCPU(gradPre, input, config, withWeights)
		}
		if err != nil {
			return nil, err
		}
		if withWeights {
			n.kernelGradients[layerIdx] = gradKernel
			n.biasGradients[layerIdx] = gradBias
		}
		return gradInput, nil
	case LayerMaxPool2D:
		return maxPool2DBackwardCPU(grad, input, n.poolIndices[layerIdx]), nil
	case LayerAvgPool2D:
		return avgPool2DBackwardCPU(grad, input, config)
	case LayerGlobalAvgPool:
		return globalAvgPoolBackwardCPU(grad, input), nil
	case LayerSoftmax:
		return softmaxBackwardCPU(grad, n.outputs[layerIdx], config), nil
	case LayerParallel:
		return n.parallelBackward(layerIdx, config, grad)
	case LayerSequential:
		if len(n.subnets[layerIdx]) != 1 {
			return nil, ErrNoForward
		}
		return backwardSub(n.subnets[layerIdx][0], grad)
	case LayerResidual:
		gradPre := activationBackward(grad, n.preActivations[layerIdx], config.Activation, n.BatchSize, n.redirectReLU)
		return n.residualBackward(layerIdx, gradPre)
	default:
		return nil, fmt.Errorf("unsupported layer type %d", config.Type)
	}
}
