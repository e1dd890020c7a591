package dream

import (
	"errors"
	"fmt"

	"github.com/openfluke/dreamloom/nn"
)

var (
	// ErrChannelOutOfRange is returned when an objective selects a channel the hooked layer does not have
	ErrChannelOutOfRange = errors.New("channel index out of range")
	// ErrNoLoss is returned when the loop reads an objective that was never evaluated
	ErrNoLoss = errors.New("objective holds no loss")
	// ErrAnomaly is returned when DetectAnomaly is on and a NaN or Inf shows up
	ErrAnomaly = nn.ErrAnomaly
)

// AllChannels disables the channel restriction
const AllChannels = -1

// Extraction selects which part of the hooked activation the objective reduces
type Extraction int

const (
	// ExtractLayer reduces the whole activation
	ExtractLayer Extraction = iota
	// ExtractChannel reduces one channel across the batch
	ExtractChannel
	// ExtractNeuron reduces the center pixel (H/2, W/2), of one channel or of all channels
	// when Channel is AllChannels. Outputs without spatial extent fall back to the channel.
	ExtractNeuron
)

func (e Extraction) String() string {
	switch e {
	case ExtractLayer:
		return "layer"
	case ExtractChannel:
		return "channel"
	case ExtractNeuron:
		return "neuron"
	default:
		return fmt.Sprintf("Extraction(%d)", int(e))
	}
}

// LossFunc reduces the selected activations to a scalar and returns d(value)/d(x)
type LossFunc func(x []float32) (float32, []float32, error)

// MeanLoss is the arithmetic mean
func MeanLoss(x []float32) (float32, []float32, error) {
	if len(x) == 0 {
		return 0, nil, fmt.Errorf("%w: mean of an empty selection", nn.ErrShapeMismatch)
	}
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	n := float32(len(x))
	grad := make([]float32, len(x))
	for i := range grad {
		grad[i] = 1 / n
	}
	return float32(sum / float64(len(x))), grad, nil
}

// LossCell is the single-slot result written by an objective during a forward pass and
// read by the loop right after it.
type LossCell struct {
	value float32
	grad  []float32
	shape []int
	set   bool
}

// Store overwrites the cell with a loss and its gradient w.r.t. an activation of the given shape
func (c *LossCell) Store(value float32, grad []float32, shape []int) {
	c.value, c.grad, c.shape, c.set = value, grad, shape, true
}

// Value returns the stored loss and whether one was stored since the last Reset
func (c *LossCell) Value() (float32, bool) {
	return c.value, c.set
}

// Gradient returns d(loss)/d(activation), or nil
func (c *LossCell) Gradient() []float32 {
	if !c.set {
		return nil
	}
	return c.grad
}

// Shape is the shape of the activation the gradient refers to
func (c *LossCell) Shape() []int {
	return c.shape
}

func (c *LossCell) Reset() {
	*c = LossCell{}
}

// Objective is a layer observer that turns the activation of one layer into the negated
// loss to minimize. It also seeds the network's backward pass with the gradient of that
// loss, so it must stay attached to the layer it was registered on.
type Objective struct {
	Layer      string
	LayerIdx   int
	Channel    int
	Extraction Extraction
	LossFunc   LossFunc

	// Diverse adds the batch diversity penalty weighted by PenaltyStrength
	Diverse         bool
	PenaltyStrength float32

	DetectAnomaly bool

	// Passive objectives record their loss but leave the backward pass alone
	Passive bool

	cell LossCell
}

// Evaluate reduces the activation out and stores the result in the objective's cell
func (o *Objective) Evaluate(out *nn.Tensor[float32]) error {
	idx, err := o.selection(out)
	if err != nil {
		return err
	}

	lossFunc := o.LossFunc
	if lossFunc == nil {
		lossFunc = MeanLoss
	}
	selected := make([]float32, len(idx))
	for k, i := range idx {
		selected[k] = out.Data[i]
	}
	value, g, err := lossFunc(selected)
	if err != nil {
		return fmt.Errorf("objective on %s: %w", o.Layer, err)
	}
	if len(g) != len(selected) {
		return fmt.Errorf("%w: loss gradient has %d values for %d activations", nn.ErrShapeMismatch, len(g), len(selected))
	}

	// Maximizing the activation is minimizing its negation
	loss := -value
	grad := make([]float32, out.Size())
	for k, i := range idx {
		grad[i] -= g[k]
	}

	if o.Diverse {
		d, dGrad := Diversity(out)
		loss -= o.PenaltyStrength * d
		for i, v := range dGrad {
			grad[i] -= o.PenaltyStrength * v
		}
	}

	if o.DetectAnomaly {
		op := fmt.Sprintf("objective on %s", o.Layer)
		if err := nn.CheckFinite(op, []float32{loss}); err != nil {
			return err
		}
		if err := nn.CheckFinite(op+" gradient", grad); err != nil {
			return err
		}
	}

	o.cell.Store(loss, grad, out.Shape)
	return nil
}

// selection returns the flat indices of the activations the objective reduces
func (o *Objective) selection(out *nn.Tensor[float32]) ([]int, error) {
	if out == nil || out.Rank() < 2 || out.Size() == 0 {
		var shape []int
		if out != nil {
			shape = out.Shape
		}
		return nil, fmt.Errorf("%w: objective on %s needs a [B,C,...] activation, got %s", nn.ErrShapeMismatch, o.Layer, nn.ShapeString(shape))
	}
	b, c := out.Shape[0], out.Shape[1]
	spatial := out.Size() / (b * c)

	channels := []int{}
	if o.Extraction != ExtractLayer && o.Channel != AllChannels {
		if o.Channel < 0 || o.Channel >= c {
			return nil, fmt.Errorf("%w: channel %d for layer %s with %d channels", ErrChannelOutOfRange, o.Channel, o.Layer, c)
		}
		channels = append(channels, o.Channel)
	} else {
		for ch := 0; ch < c; ch++ {
			channels = append(channels, ch)
		}
	}

	positions := []int{}
	if o.Extraction == ExtractNeuron && out.Rank() == 4 {
		h, w := out.Shape[2], out.Shape[3]
		positions = append(positions, (h/2)*w+w/2)
	} else {
		for p := 0; p < spatial; p++ {
			positions = append(positions, p)
		}
	}

	idx := make([]int, 0, b*len(channels)*len(positions))
	for n := 0; n < b; n++ {
		for _, ch := range channels {
			for _, p := range positions {
				idx = append(idx, (n*c+ch)*spatial+p)
			}
		}
	}
	return idx, nil
}

// OnForward evaluates the objective on the layer's output
func (o *Objective) OnForward(event nn.LayerEvent) error {
	if event.LayerIdx != o.LayerIdx {
		return nil
	}
	return o.Evaluate(event.Output)
}

func (o *Objective) OnBackward(event nn.LayerEvent) error {
	return nil
}

// OutputGradient seeds the network backward pass at the hooked layer
func (o *Objective) OutputGradient(layerIdx int) []float32 {
	if o.Passive || layerIdx != o.LayerIdx {
		return nil
	}
	return o.cell.Gradient()
}

// Loss returns the loss of the most recent forward pass
func (o *Objective) Loss() (float32, error) {
	v, ok := o.cell.Value()
	if !ok {
		return 0, fmt.Errorf("%w: layer %s was not reached by the forward pass", ErrNoLoss, o.Layer)
	}
	return v, nil
}

// Reset clears the cell before the next forward pass
func (o *Objective) Reset() {
	o.cell.Reset()
}

// RegisterHook installs an objective on the layer named layerName and returns it as the
// run's objective list. channel is AllChannels for the whole layer; neuron restricts the
// reduction to the center pixel. lossFunc defaults to MeanLoss.
func RegisterHook(net *nn.Network, layerName string, channel int, lossFunc LossFunc, neuron bool) ([]*Objective, error) {
	o := &Objective{Layer: layerName, Channel: channel, LossFunc: lossFunc}
	switch {
	case neuron:
		o.Extraction = ExtractNeuron
	case channel != AllChannels:
		o.Extraction = ExtractChannel
	default:
		o.Extraction = ExtractLayer
	}
	if err := attach(net, o); err != nil {
		return nil, err
	}
	return []*Objective{o}, nil
}

// RegisterBatchHook installs a diverse objective: the channel mean of every sample minus
// penaltyStrength times the batch Diversity of the whole activation.
func RegisterBatchHook(net *nn.Network, layerName string, lossFunc LossFunc, channel int, penaltyStrength float32) ([]*Objective, error) {
	o := &Objective{
		Layer:           layerName,
		Channel:         channel,
		Extraction:      ExtractChannel,
		LossFunc:        lossFunc,
		Diverse:         true,
		PenaltyStrength: penaltyStrength,
	}
	if err := attach(net, o); err != nil {
		return nil, err
	}
	return []*Objective{o}, nil
}

// attach resolves the layer and checks the channel against the layer's static channel count
func attach(net *nn.Network, o *Objective) error {
	idx, err := net.LayerIndex(o.Layer)
	if err != nil {
		return err
	}
	o.LayerIdx = idx

	if o.Extraction != ExtractLayer && o.Channel != AllChannels {
		c := net.LayerChannels(idx)
		if o.Channel < 0 || (c > 0 && o.Channel >= c) {
			return fmt.Errorf("%w: channel %d for layer %s with %d channels", ErrChannelOutOfRange, o.Channel, o.Layer, c)
		}
	}
	return net.AttachObserver(idx, o)
}
