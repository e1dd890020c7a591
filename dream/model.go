package dream

import (
	"fmt"

	"github.com/openfluke/dreamloom/nn"
	"github.com/openfluke/dreamloom/transform"
)

// Model chains the preprocessing pipeline and the frozen network into one differentiable
// function of the optimized tensor. The objective is read from the attached hooks, not
// from the network output.
type Model struct {
	Pipeline *transform.Pipeline
	Net      *nn.Network

	inShape []int
}

// NewModel freezes net and composes it with pipeline, which may be nil or empty
func NewModel(pipeline *transform.Pipeline, net *nn.Network) *Model {
	if pipeline == nil {
		pipeline = transform.NewPipeline()
	}
	net.Freeze()
	return &Model{Pipeline: pipeline, Net: net}
}

// SetDetectAnomaly makes the network and the pipeline fail at the first NaN or Inf
func (m *Model) SetDetectAnomaly(on bool) {
	m.Net.DetectAnomaly = on
	m.Pipeline.DetectAnomaly = on
}

// Forward runs x through the pipeline and the network. A single [C,H,W] image is treated
// as a batch of one.
func (m *Model) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil model input", nn.ErrShapeMismatch)
	}
	m.inShape = x.Shape
	if x.Rank() == 3 {
		x = x.Reshape(append([]int{1}, x.Shape...)...)
	}

	y, err := m.Pipeline.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	return m.Net.Forward(y)
}

// Backward returns the gradient of the hooked objectives w.r.t. the tensor passed to the
// last Forward, in that tensor's shape.
func (m *Model) Backward() (*nn.Tensor[float32], error) {
	if m.inShape == nil {
		return nil, nn.ErrNoForward
	}
	g, err := m.Net.Backward(nil)
	if err != nil {
		return nil, fmt.Errorf("network backward: %w", err)
	}
	g, err = m.Pipeline.Backward(g)
	if err != nil {
		return nil, fmt.Errorf("preprocess backward: %w", err)
	}
	out := g.Reshape(m.inShape...)
	if out == nil {
		return nil, fmt.Errorf("%w: input gradient %s for input %s", nn.ErrShapeMismatch, nn.ShapeString(g.Shape), nn.ShapeString(m.inShape))
	}
	return out, nil
}
