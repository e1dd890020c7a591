package nn

import "fmt"

// InitParallelLayer creates a layer that feeds its input to every branch and combines the
// outputs with mode (CombineConcat when empty). Use InitSequentialLayer for multi-layer towers.
func InitParallelLayer(mode string, branches ...LayerConfig) LayerConfig {
	return LayerConfig{
		Type:             LayerParallel,
		Activation:       ActivationLinear,
		CombineMode:      mode,
		ParallelBranches: branches,
	}
}

// InitSequentialLayer wraps layers into a single layer. An empty sequence is the identity.
func InitSequentialLayer(layers ...LayerConfig) LayerConfig {
	return LayerConfig{
		Type:             LayerSequential,
		Activation:       ActivationLinear,
		ParallelBranches: layers,
	}
}

// InitResidualLayer creates activation(body(x) + x). The body must preserve the input shape;
// a projection shortcut is a parallel "add" of two sequences.
func InitResidualLayer(activation ActivationType, body ...LayerConfig) LayerConfig {
	return LayerConfig{
		Type:             LayerResidual,
		Activation:       activation,
		ParallelBranches: body,
	}
}

// subNetworks returns the networks that run the sub-layers of a composite layer. They share
// the layer configs (and so the weights) and are built on first use.
func (n *Network) subNetworks(layerIdx int, config *LayerConfig) []*Network {
	if subs := n.subnets[layerIdx]; subs != nil {
		return subs
	}
	var subs []*Network
	if config.Type == LayerParallel {
		subs = make([]*Network, len(config.ParallelBranches))
		for i := range config.ParallelBranches {
			branch := config.ParallelBranches[i : i+1]
			if branch[0].Type == LayerSequential {
				branch = branch[0].ParallelBranches
			}
			subs[i] = NewNetwork(branch...)
		}
	} else {
		subs = []*Network{NewNetwork(config.ParallelBranches...)}
	}
	n.subnets[layerIdx] = subs
	return subs
}

// runSub runs a sub-network with the parent's settings
func (n *Network) runSub(sub *Network, input *Tensor[float32]) (*Tensor[float32], error) {
	if len(sub.Layers) == 0 {
		return input, nil
	}
	sub.frozen = n.frozen
	sub.redirectReLU = n.redirectReLU
	sub.DetectAnomaly = n.DetectAnomaly
	return sub.Forward(input)
}

func backwardSub(sub *Network, grad *Tensor[float32]) (*Tensor[float32], error) {
	if len(sub.Layers) == 0 {
		return grad, nil
	}
	return sub.Backward(grad)
}

func subOutputShape(sub *Network, input *Tensor[float32]) []int {
	if len(sub.Layers) == 0 {
		return input.Shape
	}
	return sub.lastTrunkOutput().Shape
}

func (n *Network) parallelForward(layerIdx int, config *LayerConfig, input *Tensor[float32]) (*Tensor[float32], error) {
	if len(config.ParallelBranches) == 0 {
		return nil, fmt.Errorf("parallel layer has no branches defined")
	}

	subs := n.subNetworks(layerIdx, config)
	outs := make([]*Tensor[float32], len(subs))
	for i, sub := range subs {
		out, err := n.runSub(sub, input)
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		outs[i] = out
	}

	switch config.CombineMode {
	case CombineConcat, "":
		return concatChannels(outs)
	case CombineAdd, CombineAvg, "average":
		combined := outs[0].Clone()
		for i, out := range outs[1:] {
			if !out.SameShape(combined) {
				return nil, fmt.Errorf("%w: branch %d output %s, branch 0 output %s",
					ErrShapeMismatch, i+1, ShapeString(out.Shape), ShapeString(combined.Shape))
			}
			for j, v := range out.Data {
				combined.Data[j] += v
			}
		}
		if config.CombineMode != CombineAdd {
			scale := 1.0 / float32(len(outs))
			for j := range combined.Data {
				combined.Data[j] *= scale
			}
		}
		return combined, nil
	default:
		return nil, fmt.Errorf("unknown combine mode: %s", config.CombineMode)
	}
}

func (n *Network) parallelBackward(layerIdx int, config *LayerConfig, grad *Tensor[float32]) (*Tensor[float32], error) {
	input := n.inputs[layerIdx]
	subs := n.subnets[layerIdx]
	if len(subs) != len(config.ParallelBranches) {
		return nil, ErrNoForward
	}

	branchGrads := make([]*Tensor[float32], len(subs))
	switch config.CombineMode {
	case CombineConcat, "":
		shapes := make([][]int, len(subs))
		for i, sub := range subs {
			shapes[i] = subOutputShape(sub, input)
		}
		branchGrads = splitChannels(grad, shapes)
	case CombineAdd:
		for i := range branchGrads {
			branchGrads[i] = grad.Clone()
		}
	default:
		scale := 1.0 / float32(len(subs))
		for i := range branchGrads {
			g := grad.Clone()
			for j := range g.Data {
				g.Data[j] *= scale
			}
			branchGrads[i] = g
		}
	}

	gradInput := NewTensor[float32](input.Shape...)
	for i, sub := range subs {
		g, err := backwardSub(sub, branchGrads[i])
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		for j, v := range g.Data {
			gradInput.Data[j] += v
		}
	}
	return gradInput, nil
}

// residualForward returns body(x) + x before the layer activation
func (n *Network) residualForward(layerIdx int, config *LayerConfig, input *Tensor[float32]) (*Tensor[float32], error) {
	body, err := n.runSub(n.subNetworks(layerIdx, config)[0], input)
	if err != nil {
		return nil, err
	}
	if !body.SameShape(input) {
		return nil, fmt.Errorf("%w: residual body output %s, input %s", ErrShapeMismatch, ShapeString(body.Shape), ShapeString(input.Shape))
	}
	sum := body.Clone()
	for i, v := range input.Data {
		sum.Data[i] += v
	}
	return sum, nil
}

func (n *Network) residualBackward(layerIdx int, gradPre *Tensor[float32]) (*Tensor[float32], error) {
	subs := n.subnets[layerIdx]
	if len(subs) != 1 {
		return nil, ErrNoForward
	}
	g, err := backwardSub(subs[0], gradPre.Clone())
	if err != nil {
		return nil, err
	}
	gradInput := g.Clone()
	for i, v := range gradPre.Data {
		gradInput.Data[i] += v
	}
	return gradInput, nil
}

// concatChannels joins tensors of shape [B, C_i, ...] into [B, sum C_i, ...]
func concatChannels(parts []*Tensor[float32]) (*Tensor[float32], error) {
	first := parts[0]
	if first.Rank() < 2 {
		return nil, fmt.Errorf("%w: cannot concatenate rank %d outputs", ErrShapeMismatch, first.Rank())
	}
	batch := first.Shape[0]
	channels := 0
	for i, p := range parts {
		if p.Rank() != first.Rank() || p.Shape[0] != batch {
			return nil, fmt.Errorf("%w: branch %d output %s, branch 0 output %s",
				ErrShapeMismatch, i, ShapeString(p.Shape), ShapeString(first.Shape))
		}
		for d := 2; d < p.Rank(); d++ {
			if p.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("%w: branch %d output %s, branch 0 output %s",
					ErrShapeMismatch, i, ShapeString(p.Shape), ShapeString(first.Shape))
			}
		}
		channels += p.Shape[1]
	}

	shape := append([]int{batch, channels}, first.Shape[2:]...)
	out := NewTensor[float32](shape...)
	per := out.Size() / batch
	offset := 0
	for _, p := range parts {
		chunk := p.Size() / batch
		for b := 0; b < batch; b++ {
			copy(out.Data[b*per+offset:b*per+offset+chunk], p.Data[b*chunk:(b+1)*chunk])
		}
		offset += chunk
	}
	return out, nil
}

// splitChannels is the inverse of concatChannels for the given part shapes
func splitChannels(grad *Tensor[float32], shapes [][]int) []*Tensor[float32] {
	batch := grad.Shape[0]
	per := grad.Size() / batch
	parts := make([]*Tensor[float32], len(shapes))
	offset := 0
	for i, shape := range shapes {
		p := NewTensor[float32](shape...)
		chunk := p.Size() / batch
		for b := 0; b < batch; b++ {
			copy(p.Data[b*chunk:(b+1)*chunk], grad.Data[b*per+offset:b*per+offset+chunk])
		}
		offset += chunk
		parts[i] = p
	}
	return parts
}

// compositeOutChannels follows the channel count through nested layers, 0 when unknown
func compositeOutChannels(l *LayerConfig, in int) int {
	switch l.Type {
	case LayerConv2D:
		return l.Filters
	case LayerDense:
		return l.OutputSize
	case LayerSequential:
		c := in
		for i := range l.ParallelBranches {
			if !l.ParallelBranches[i].Branch {
				c = compositeOutChannels(&l.ParallelBranches[i], c)
			}
		}
		return c
	case LayerParallel:
		if len(l.ParallelBranches) == 0 {
			return 0
		}
		if l.CombineMode != CombineConcat && l.CombineMode != "" {
			return compositeOutChannels(&l.ParallelBranches[0], in)
		}
		total := 0
		for i := range l.ParallelBranches {
			c := compositeOutChannels(&l.ParallelBranches[i], in)
			if c == 0 {
				return 0
			}
			total += c
		}
		return total
	default:
		return in
	}
}

// compositeParams counts the weights of l and everything nested in it
func compositeParams(l *LayerConfig) int {
	total := len(l.Kernel) + len(l.Bias)
	for i := range l.ParallelBranches {
		total += compositeParams(&l.ParallelBranches[i])
	}
	return total
}
