package nn

import (
	"fmt"
	"math"
)

// InitMaxPool2DLayer creates a max pooling layer. A stride of 0 means the window size.
func InitMaxPool2DLayer(kernelSize, stride, padding int) LayerConfig {
	return LayerConfig{Type: LayerMaxPool2D, KernelSize: kernelSize, Stride: stride, Padding: padding}
}

// InitAvgPool2DLayer creates an average pooling layer
func InitAvgPool2DLayer(kernelSize, stride, padding int) LayerConfig {
	return LayerConfig{Type: LayerAvgPool2D, KernelSize: kernelSize, Stride: stride, Padding: padding}
}

// InitGlobalAvgPoolLayer creates a [B,C,H,W] -> [B,C] pooling layer
func InitGlobalAvgPoolLayer() LayerConfig {
	return LayerConfig{Type: LayerGlobalAvgPool}
}

type poolGeometry struct {
	batch, c, inH, inW int
	k, stride, padding int
	outH, outW         int
}

func newPoolGeometry(input *Tensor[float32], config *LayerConfig) (poolGeometry, error) {
	if input.Rank() != 4 {
		return poolGeometry{}, fmt.Errorf("%w: pooling expects [B,C,H,W], got %s", ErrShapeMismatch, ShapeString(input.Shape))
	}
	g := poolGeometry{
		batch:   input.Shape[0],
		c:       input.Shape[1],
		inH:     input.Shape[2],
		inW:     input.Shape[3],
		k:       config.KernelSize,
		stride:  config.Stride,
		padding: config.Padding,
	}
	if g.k <= 0 {
		return g, fmt.Errorf("%w: pooling window %d", ErrShapeMismatch, g.k)
	}
	if g.stride <= 0 {
		g.stride = g.k
	}
	g.outH = (g.inH+2*g.padding-g.k)/g.stride + 1
	g.outW = (g.inW+2*g.padding-g.k)/g.stride + 1
	if g.outH <= 0 || g.outW <= 0 {
		return g, fmt.Errorf("%w: pooling input %dx%d smaller than window %d", ErrShapeMismatch, g.inH, g.inW, g.k)
	}
	return g, nil
}

// maxPool2DForwardCPU returns the pooled output and the flat input index chosen per output
func maxPool2DForwardCPU(input *Tensor[float32], config *LayerConfig) (*Tensor[float32], []int, error) {
	g, err := newPoolGeometry(input, config)
	if err != nil {
		return nil, nil, err
	}
	out := NewTensor[float32](g.batch, g.c, g.outH, g.outW)
	indices := make([]int, out.Size())

	for bc := 0; bc < g.batch*g.c; bc++ {
		base := bc * g.inH * g.inW
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for kh := 0; kh < g.k; kh++ {
					ih := oh*g.stride + kh - g.padding
					if ih < 0 || ih >= g.inH {
						continue
					}
					for kw := 0; kw < g.k; kw++ {
						iw := ow*g.stride + kw - g.padding
						if iw < 0 || iw >= g.inW {
							continue
						}
						idx := base + ih*g.inW + iw
						if bestIdx < 0 || input.Data[idx] > best {
							best = input.Data[idx]
							bestIdx = idx
						}
					}
				}
				outIdx := bc*g.outH*g.outW + oh*g.outW + ow
				if bestIdx >= 0 {
					out.Data[outIdx] = best
				}
				indices[outIdx] = bestIdx
			}
		}
	}
	return out, indices, nil
}

// maxPool2DBackwardCPU routes each output gradient to the input that won the max
func maxPool2DBackwardCPU(gradOutput, input *Tensor[float32], indices []int) *Tensor[float32] {
	gradInput := NewTensor[float32](input.Shape...)
	for i, idx := range indices {
		if idx >= 0 {
			gradInput.Data[idx] += gradOutput.Data[i]
		}
	}
	return gradInput
}

// avgPool2DForwardCPU averages each window; padded positions count as zeros
func avgPool2DForwardCPU(input *Tensor[float32], config *LayerConfig) (*Tensor[float32], error) {
	g, err := newPoolGeometry(input, config)
	if err != nil {
		return nil, err
	}
	out := NewTensor[float32](g.batch, g.c, g.outH, g.outW)
	area := float32(g.k * g.k)

	for bc := 0; bc < g.batch*g.c; bc++ {
		base := bc * g.inH * g.inW
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				var sum float32
				for kh := 0; kh < g.k; kh++ {
					ih := oh*g.stride + kh - g.padding
					if ih < 0 || ih >= g.inH {
						continue
					}
					for kw := 0; kw < g.k; kw++ {
						iw := ow*g.stride + kw - g.padding
						if iw < 0 || iw >= g.inW {
							continue
						}
						sum += input.Data[base+ih*g.inW+iw]
					}
				}
				out.Data[bc*g.outH*g.outW+oh*g.outW+ow] = sum / area
			}
		}
	}
	return out, nil
}

func avgPool2DBackwardCPU(gradOutput, input *Tensor[float32], config *LayerConfig) (*Tensor[float32], error) {
	g, err := newPoolGeometry(input, config)
	if err != nil {
		return nil, err
	}
	gradInput := NewTensor[float32](input.Shape...)
	area := float32(g.k * g.k)

	for bc := 0; bc < g.batch*g.c; bc++ {
		base := bc * g.inH * g.inW
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				grad := gradOutput.Data[bc*g.outH*g.outW+oh*g.outW+ow] / area
				for kh := 0; kh < g.k; kh++ {
					ih := oh*g.stride + kh - g.padding
					if ih < 0 || ih >= g.inH {
						continue
					}
					for kw := 0; kw < g.k; kw++ {
						iw := ow*g.stride + kw - g.padding
						if iw < 0 || iw >= g.inW {
							continue
						}
						gradInput.Data[base+ih*g.inW+iw] += grad
					}
				}
			}
		}
	}
	return gradInput, nil
}

func globalAvgPoolForwardCPU(input *Tensor[float32]) (*Tensor[float32], error) {
	if input.Rank() != 4 {
		return nil, fmt.Errorf("%w: global pooling expects [B,C,H,W], got %s", ErrShapeMismatch, ShapeString(input.Shape))
	}
	b, c, hw := input.Shape[0], input.Shape[1], input.Shape[2]*input.Shape[3]
	out := NewTensor[float32](b, c)
	for i := 0; i < b*c; i++ {
		var sum float32
		for _, v := range input.Data[i*hw : (i+1)*hw] {
			sum += v
		}
		out.Data[i] = sum / float32(hw)
	}
	return out, nil
}

func globalAvgPoolBackwardCPU(gradOutput, input *Tensor[float32]) *Tensor[float32] {
	gradInput := NewTensor[float32](input.Shape...)
	hw := input.Shape[2] * input.Shape[3]
	for i, g := range gradOutput.Data {
		share := g / float32(hw)
		for j := i * hw; j < (i+1)*hw; j++ {
			gradInput.Data[j] = share
		}
	}
	return gradInput
}
