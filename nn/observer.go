package nn

import (
	"fmt"
)

// computeLayerStats calculates summary statistics for an activation slice
func computeLayerStats(data []float32, layerType string, threshold float32) LayerStats {
	if len(data) == 0 {
		return LayerStats{LayerType: layerType}
	}

	var sum, max, min float32
	max = data[0]
	min = data[0]
	activeCount := 0

	for _, v := range data {
		sum += v
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		if v > threshold {
			activeCount++
		}
	}

	return LayerStats{
		AvgActivation: sum / float32(len(data)),
		MaxActivation: max,
		MinActivation: min,
		ActiveNeurons: activeCount,
		TotalNeurons:  len(data),
		LayerType:     layerType,
	}
}

// notifyObserver sends an event to the layer's observer if one exists
func (n *Network) notifyObserver(layerIdx int, eventType string, input, output *Tensor[float32]) error {
	config := &n.Layers[layerIdx]
	if config.Observer == nil {
		return nil
	}

	var data []float32
	if output != nil {
		data = output.Data
	}

	event := LayerEvent{
		Type:      eventType,
		LayerIdx:  layerIdx,
		LayerName: config.Name,
		LayerType: config.Type,
		Stats:     computeLayerStats(data, layerTypeString(config.Type), 0.0),
		Input:     input,
		Output:    output,
		StepCount: n.stepCount,
	}

	if eventType == "forward" {
		return config.Observer.OnForward(event)
	}
	return config.Observer.OnBackward(event)
}

// layerTypeString converts LayerType to string for stats (internal observer use)
func layerTypeString(lt LayerType) string {
	switch lt {
	case LayerDense:
		return "dense"
	case LayerConv2D:
		return "conv2d"
	case LayerMaxPool2D:
		return "maxpool2d"
	case LayerAvgPool2D:
		return "avgpool2d"
	case LayerGlobalAvgPool:
		return "globalavgpool"
	case LayerSoftmax:
		return "softmax"
	case LayerParallel:
		return "parallel"
	case LayerResidual:
		return "residual"
	case LayerSequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// MultiObserver fans events out to several observers on the same layer.
// As a GradientSource it sums the gradients its members contribute.
type MultiObserver []LayerObserver

func (m MultiObserver) OnForward(event LayerEvent) error {
	for _, o := range m {
		if err := o.OnForward(event); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiObserver) OnBackward(event LayerEvent) error {
	for _, o := range m {
		if err := o.OnBackward(event); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiObserver) OutputGradient(layerIdx int) []float32 {
	var sum []float32
	for _, o := range m {
		src, ok := o.(GradientSource)
		if !ok {
			continue
		}
		g := src.OutputGradient(layerIdx)
		if g == nil {
			continue
		}
		if sum == nil {
			sum = make([]float32, len(g))
		}
		for i := range g {
			if i < len(sum) {
				sum[i] += g[i]
			}
		}
	}
	return sum
}

// ConsoleObserver prints layer events to stdout
type ConsoleObserver struct {
	Verbose bool // If true, print output data (can be large!)
}

func (o *ConsoleObserver) OnForward(event LayerEvent) error {
	shape := ""
	if event.Output != nil {
		shape = ShapeString(event.Output.Shape)
	}
	fmt.Printf("[FWD] Layer %d %s (%s) %s: avg=%.4f max=%.4f active=%d/%d\n",
		event.LayerIdx, event.LayerName, event.Stats.LayerType, shape,
		event.Stats.AvgActivation, event.Stats.MaxActivation,
		event.Stats.ActiveNeurons, event.Stats.TotalNeurons)

	if o.Verbose && event.Output != nil && len(event.Output.Data) <= 20 {
		fmt.Printf("       Output: %v\n", event.Output.Data)
	}
	return nil
}

func (o *ConsoleObserver) OnBackward(event LayerEvent) error {
	fmt.Printf("[BWD] Layer %d %s (%s): grad_avg=%.4f grad_max=%.4f\n",
		event.LayerIdx, event.LayerName, event.Stats.LayerType,
		event.Stats.AvgActivation, event.Stats.MaxActivation)
	return nil
}
