package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// InitConv2DLayer initializes a Conv2D layer with random weights
func InitConv2DLayer(
	inputChannels int,
	kernelSize, stride, padding, filters int,
	activation ActivationType,
) LayerConfig {
	// Initialize kernel weights (He initialization)
	kernelTotal := filters * inputChannels * kernelSize * kernelSize
	kernel := make([]float32, kernelTotal)
	stddev := float32(math.Sqrt(2.0 / float64(inputChannels*kernelSize*kernelSize)))

	for i := range kernel {
		kernel[i] = float32(rand.NormFloat64()) * stddev
	}

	// Initialize biases to zero
	bias := make([]float32, filters)

	return LayerConfig{
		Type:          LayerConv2D,
		Activation:    activation,
		KernelSize:    kernelSize,
		Stride:        stride,
		Padding:       padding,
		Filters:       filters,
		Kernel:        kernel,
		Bias:          bias,
		InputChannels: inputChannels,
	}
}

// convGeometry resolves the spatial sizes of a convolution for the given input
type convGeometry struct {
	batch, inC, inH, inW int
	filters, k, stride   int
	padding, outH, outW  int
}

func newConvGeometry(input *Tensor[float32], config *LayerConfig) (convGeometry, error) {
	if input.Rank() != 4 {
		return convGeometry{}, fmt.Errorf("%w: conv2d expects [B,C,H,W], got %s", ErrShapeMismatch, ShapeString(input.Shape))
	}
	g := convGeometry{
		batch:   input.Shape[0],
		inC:     input.Shape[1],
		inH:     input.Shape[2],
		inW:     input.Shape[3],
		filters: config.Filters,
		k:       config.KernelSize,
		stride:  config.Stride,
		padding: config.Padding,
	}
	if g.stride <= 0 {
		g.stride = 1
	}
	if g.k <= 0 || g.filters <= 0 {
		return g, fmt.Errorf("%w: conv2d with kernel %d and %d filters", ErrShapeMismatch, g.k, g.filters)
	}
	want := config.InputChannels
	if want == 0 {
		want = len(config.Kernel) / (g.filters * g.k * g.k)
	}
	if g.inC != want || len(config.Kernel) != g.filters*g.inC*g.k*g.k {
		return g, fmt.Errorf("%w: conv2d expects %d input channels, got %d", ErrShapeMismatch, want, g.inC)
	}
	g.outH = (g.inH+2*g.padding-g.k)/g.stride + 1
	g.outW = (g.inW+2*g.padding-g.k)/g.stride + 1
	if g.outH <= 0 || g.outW <= 0 {
		return g, fmt.Errorf("%w: conv2d input %dx%d smaller than kernel %d", ErrShapeMismatch, g.inH, g.inW, g.k)
	}
	return g, nil
}

// conv2DForwardCPU performs 2D convolution on CPU
// input shape: [batch][inChannels][height][width]
// output shape: [batch][filters][outHeight][outWidth]
// Returns: preActivation (before activation), postActivation (after activation)
func conv2DForwardCPU(input *Tensor[float32], config *LayerConfig) (*Tensor[float32], *Tensor[float32], error) {
	g, err := newConvGeometry(input, config)
	if err != nil {
		return nil, nil, err
	}
	inC, inH, inW, kSize := g.inC, g.inH, g.inW, g.k

	pre := NewTensor[float32](g.batch, g.filters, g.outH, g.outW)

	for b := 0; b < g.batch; b++ {
		for f := 0; f < g.filters; f++ {
			var bias float32
			if f < len(config.Bias) {
				bias = config.Bias[f]
			}
			for oh := 0; oh < g.outH; oh++ {
				for ow := 0; ow < g.outW; ow++ {
					sum := bias

					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							ih := oh*g.stride + kh - g.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow*g.stride + kw - g.padding
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
								kernelIdx := f*inC*kSize*kSize + ic*kSize*kSize + kh*kSize + kw
								sum += input.Data[inputIdx] * config.Kernel[kernelIdx]
							}
						}
					}

					outputIdx := b*g.filters*g.outH*g.outW + f*g.outH*g.outW + oh*g.outW + ow
					pre.Data[outputIdx] = sum
				}
			}
		}
	}

	return pre, activate(pre, config.Activation), nil
}

// conv2DBackwardCPU computes gradients for 2D convolution on CPU
// gradPre: gradient w.r.t. the pre-activation output
// Kernel and bias gradients are only computed when withWeights is set.
func conv2DBackwardCPU(
	gradPre *Tensor[float32],
	input *Tensor[float32],
	config *LayerConfig,
	withWeights bool,
) (gradInput *Tensor[float32], gradKernel []float32, gradBias []float32, err error) {
	g, err := newConvGeometry(input, config)
	if err != nil {
		return nil, nil, nil, err
	}
	inC, inH, inW, kSize := g.inC, g.inH, g.inW, g.k

	gradInput = NewTensor[float32](input.Shape...)
	if withWeights {
		gradKernel = make([]float32, len(config.Kernel))
		gradBias = make([]float32, g.filters)
	}

	for b := 0; b < g.batch; b++ {
		for f := 0; f < g.filters; f++ {
			for oh := 0; oh < g.outH; oh++ {
				for ow := 0; ow < g.outW; ow++ {
					outputIdx := b*g.filters*g.outH*g.outW + f*g.outH*g.outW + oh*g.outW + ow
					gradOut := gradPre.Data[outputIdx]
					if gradOut == 0 {
						continue
					}
					if withWeights {
						gradBias[f] += gradOut
					}

					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							ih := oh*g.stride + kh - g.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow*g.stride + kw - g.padding
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
								kernelIdx := f*inC*kSize*kSize + ic*kSize*kSize + kh*kSize + kw

								gradInput.Data[inputIdx] += gradOut * config.Kernel[kernelIdx]
								if withWeights {
									gradKernel[kernelIdx] += gradOut * input.Data[inputIdx]
								}
							}
						}
					}
				}
			}
		}
	}

	return gradInput, gradKernel, gradBias, nil
}
