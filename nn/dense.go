package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// InitDenseLayer initializes a dense (fully-connected) layer
func InitDenseLayer(inputSize, outputSize int, activation ActivationType) LayerConfig {
	// He initialization for weights
	stddev := float32(math.Sqrt(2.0 / float64(inputSize)))

	weights := make([]float32, inputSize*outputSize)
	for i := range weights {
		weights[i] = float32(rand.NormFloat64()) * stddev
	}

	return LayerConfig{
		Type:       LayerDense,
		Activation: activation,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Kernel:     weights, // Weight matrix [inputSize * outputSize]
		Bias:       make([]float32, outputSize),
	}
}

func denseWeights(config *LayerConfig) blas32.General {
	return blas32.General{
		Rows:   config.InputSize,
		Cols:   config.OutputSize,
		Stride: config.OutputSize,
		Data:   config.Kernel,
	}
}

func denseCheck(input *Tensor[float32], config *LayerConfig) (int, error) {
	if input.Rank() < 1 || input.Shape[0] == 0 {
		return 0, fmt.Errorf("%w: dense got %s", ErrShapeMismatch, ShapeString(input.Shape))
	}
	batch := input.Shape[0]
	if input.Size()/batch != config.InputSize || len(config.Kernel) != config.InputSize*config.OutputSize {
		return 0, fmt.Errorf("%w: dense expects %d features per sample, got %d", ErrShapeMismatch, config.InputSize, input.Size()/batch)
	}
	return batch, nil
}

// denseForwardCPU performs forward pass for dense layer
// input: [batch, ...] flattened to [batch, inputSize]
// weights: [inputSize * outputSize]
// output: [batch, outputSize]
func denseForwardCPU(input *Tensor[float32], config *LayerConfig) (*Tensor[float32], *Tensor[float32], error) {
	batch, err := denseCheck(input, config)
	if err != nil {
		return nil, nil, err
	}
	inputSize, outputSize := config.InputSize, config.OutputSize
	w := denseWeights(config)

	pre := NewTensor[float32](batch, outputSize)
	for b := 0; b < batch; b++ {
		out := pre.Data[b*outputSize : (b+1)*outputSize]
		copy(out, config.Bias)
		// out = Wᵀ x + bias
		blas32.Gemv(blas.Trans, 1, w,
			blas32.Vector{N: inputSize, Inc: 1, Data: input.Data[b*inputSize : (b+1)*inputSize]},
			1, blas32.Vector{N: outputSize, Inc: 1, Data: out})
	}

	return pre, activate(pre, config.Activation), nil
}

// denseBackwardCPU performs backward pass for dense layer given the pre-activation gradient
func denseBackwardCPU(gradPre, input *Tensor[float32], config *LayerConfig, withWeights bool) (*Tensor[float32], []float32, []float32, error) {
	batch, err := denseCheck(input, config)
	if err != nil {
		return nil, nil, nil, err
	}
	inputSize, outputSize := config.InputSize, config.OutputSize
	if gradPre.Size() != batch*outputSize {
		return nil, nil, nil, fmt.Errorf("%w: dense gradient has %d values, want %d", ErrShapeMismatch, gradPre.Size(), batch*outputSize)
	}
	w := denseWeights(config)

	gradInput := NewTensor[float32](input.Shape...)
	var gradWeights, gradBias []float32
	if withWeights {
		gradWeights = make([]float32, inputSize*outputSize)
		gradBias = make([]float32, outputSize)
	}

	for b := 0; b < batch; b++ {
		g := blas32.Vector{N: outputSize, Inc: 1, Data: gradPre.Data[b*outputSize : (b+1)*outputSize]}
		x := blas32.Vector{N: inputSize, Inc: 1, Data: input.Data[b*inputSize : (b+1)*inputSize]}

		// dx = W g
		blas32.Gemv(blas.NoTrans, 1, w, g, 0,
			blas32.Vector{N: inputSize, Inc: 1, Data: gradInput.Data[b*inputSize : (b+1)*inputSize]})

		if withWeights {
			// dW += x gᵀ
			blas32.Ger(1, x, g, blas32.General{Rows: inputSize, Cols: outputSize, Stride: outputSize, Data: gradWeights})
			for o, v := range g.Data {
				gradBias[o] += v
			}
		}
	}

	return gradInput, gradWeights, gradBias, nil
}
