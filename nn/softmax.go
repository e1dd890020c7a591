package nn

import (
	"fmt"
	"math"
)

// InitSoftmaxLayer creates a standard softmax layer
func InitSoftmaxLayer() LayerConfig {
	return LayerConfig{
		Type:        LayerSoftmax,
		Temperature: 1.0,
	}
}

// InitTemperatureSoftmaxLayer creates a temperature-scaled softmax layer
// temperature: controls distribution sharpness (0.1=sharp, 1.0=normal, 5.0=smooth)
func InitTemperatureSoftmaxLayer(temperature float32) LayerConfig {
	return LayerConfig{
		Type:        LayerSoftmax,
		Temperature: temperature,
	}
}

// softmaxForwardCPU applies softmax independently to the features of each sample
func softmaxForwardCPU(input *Tensor[float32], config *LayerConfig) (*Tensor[float32], error) {
	if input.Rank() < 1 || input.Shape[0] == 0 || input.Size() == 0 {
		return nil, fmt.Errorf("%w: softmax got %s", ErrShapeMismatch, ShapeString(input.Shape))
	}
	batch := input.Shape[0]
	per := input.Size() / batch
	out := NewTensor[float32](input.Shape...)
	for b := 0; b < batch; b++ {
		copy(out.Data[b*per:(b+1)*per], softmaxStandard(input.Data[b*per:(b+1)*per], config.Temperature))
	}
	return out, nil
}

// softmaxBackwardCPU uses the softmax Jacobian: dx_i = p_i (g_i - Σ_j g_j p_j) / T
func softmaxBackwardCPU(gradOutput, probs *Tensor[float32], config *LayerConfig) *Tensor[float32] {
	temperature := config.Temperature
	if temperature == 0 {
		temperature = 1.0
	}
	batch := probs.Shape[0]
	per := probs.Size() / batch
	gradInput := NewTensor[float32](probs.Shape...)
	for b := 0; b < batch; b++ {
		p := probs.Data[b*per : (b+1)*per]
		g := gradOutput.Data[b*per : (b+1)*per]
		var dot float32
		for i := range p {
			dot += g[i] * p[i]
		}
		for i := range p {
			gradInput.Data[b*per+i] = p[i] * (g[i] - dot) / temperature
		}
	}
	return gradInput
}

// softmaxStandard applies standard softmax with optional temperature scaling
func softmaxStandard(logits []float32, temperature float32) []float32 {
	if temperature == 0 {
		temperature = 1.0
	}

	// Scale by temperature
	scaled := make([]float32, len(logits))
	maxLogit := logits[0] / temperature
	for i, v := range logits {
		scaled[i] = v / temperature
		if scaled[i] > maxLogit {
			maxLogit = scaled[i]
		}
	}

	// Numerical stability: subtract max
	exps := make([]float32, len(scaled))
	sum := float32(0.0)
	for i, v := range scaled {
		exps[i] = float32(math.Exp(float64(v - maxLogit)))
		sum += exps[i]
	}

	// Normalize
	probs := make([]float32, len(logits))
	for i := range exps {
		probs[i] = exps[i] / sum
	}

	return probs
}
