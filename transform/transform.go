// Package transform holds the differentiable preprocessing applied to the optimized pixels
// before they reach the network: decorrelated parameterizations, padding, jitter, random
// scale and rotation, and cropping.
//
// Every stage records what it needs during Forward so that the following Backward can map
// the gradient of its output back onto its input. Random stages draw from their own
// *rand.Rand, so a seeded run is reproducible.
package transform

import (
	"fmt"

	"github.com/openfluke/dreamloom/nn"
)

// Stage is one differentiable preprocessing step over [B,C,H,W] tensors
type Stage interface {
	Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error)
	// Backward maps d(loss)/d(output of the last Forward) to d(loss)/d(its input)
	Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error)
	Name() string
}

// DeprocessFunc maps the optimized parameter tensor to an image tensor in network input space
type DeprocessFunc func(x *nn.Tensor[float32]) (*nn.Tensor[float32], error)

// Pipeline runs stages in order. An empty pipeline is the identity.
type Pipeline struct {
	Stages []Stage

	// DetectAnomaly fails Backward at the first stage producing NaN or Inf
	DetectAnomaly bool
}

// NewPipeline returns a pipeline over the given stages
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{Stages: stages}
}

// Len returns the number of stages
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Stages)
}

func (p *Pipeline) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if p == nil {
		return x, nil
	}
	var err error
	for _, s := range p.Stages {
		if x, err = s.Forward(x); err != nil {
			return nil, fmt.Errorf("%s forward: %w", s.Name(), err)
		}
	}
	return x, nil
}

func (p *Pipeline) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if p == nil {
		return grad, nil
	}
	var err error
	for i := len(p.Stages) - 1; i >= 0; i-- {
		s := p.Stages[i]
		if grad, err = s.Backward(grad); err != nil {
			return nil, fmt.Errorf("%s backward: %w", s.Name(), err)
		}
		if p.DetectAnomaly {
			if err := nn.CheckFinite(s.Name()+" backward", grad.Data); err != nil {
				return nil, err
			}
		}
	}
	return grad, nil
}

// Names lists the stage names in order
func (p *Pipeline) Names() []string {
	names := make([]string, 0, p.Len())
	for _, s := range p.Stages {
		names = append(names, s.Name())
	}
	return names
}

func dims4(x *nn.Tensor[float32], stage string) (b, c, h, w int, err error) {
	if x == nil || x.Rank() != 4 {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return 0, 0, 0, 0, fmt.Errorf("%w: %s expects [B,C,H,W], got %s", nn.ErrShapeMismatch, stage, nn.ShapeString(shape))
	}
	return x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3], nil
}

func checkGrad(grad *nn.Tensor[float32], shape []int, stage string) error {
	if shape == nil {
		return fmt.Errorf("%s: %w", stage, nn.ErrNoForward)
	}
	if grad == nil || grad.Size() != shapeSize(shape) {
		var got []int
		if grad != nil {
			got = grad.Shape
		}
		return fmt.Errorf("%w: %s gradient %s for output %s", nn.ErrShapeMismatch, stage, nn.ShapeString(got), nn.ShapeString(shape))
	}
	return nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// mod is the non-negative remainder
func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
