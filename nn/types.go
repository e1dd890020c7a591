package nn

import "errors"

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationScaledReLU ActivationType = 0 // v * 1.1, then ReLU
	ActivationSigmoid    ActivationType = 1 // 1 / (1 + exp(-v))
	ActivationTanh       ActivationType = 2 // tanh(v)
	ActivationSoftplus   ActivationType = 3 // log(1 + exp(v))
	ActivationLeakyReLU  ActivationType = 4 // v if v >= 0, else v * 0.1
	ActivationReLU       ActivationType = 5 // max(0, v)
	ActivationLinear     ActivationType = 6 // v
)

// LayerType defines the type of neural network layer
type LayerType int

const (
	LayerDense         LayerType = 0 // Fully-connected, flattens its input per sample
	LayerConv2D        LayerType = 1 // 2D convolution over NCHW input
	LayerMaxPool2D     LayerType = 2 // Max pooling
	LayerAvgPool2D     LayerType = 3 // Average pooling
	LayerGlobalAvgPool LayerType = 4 // [B,C,H,W] -> [B,C]
	LayerSoftmax       LayerType = 5 // Softmax over the features of each sample
	LayerParallel      LayerType = 6 // Runs ParallelBranches on the same input and combines them
	LayerResidual      LayerType = 7 // activation(body(x) + x), body = ParallelBranches in order
	LayerSequential    LayerType = 8 // Runs ParallelBranches in order
)

// Combine modes of a parallel layer
const (
	CombineConcat = "concat" // along the channel (or feature) axis
	CombineAdd    = "add"
	CombineAvg    = "avg"
)

var (
	// ErrShapeMismatch is returned when a layer receives input it cannot consume.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrLayerNotFound is returned when no layer carries the requested name.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrNoForward is returned by Backward when no forward pass has been recorded.
	ErrNoForward = errors.New("no forward pass data available for backward pass")
	// ErrNoGradient is returned by Backward when nothing seeded a gradient.
	ErrNoGradient = errors.New("no gradient to propagate")
	// ErrAnomaly is returned when anomaly detection finds a NaN or Inf.
	ErrAnomaly = errors.New("anomaly detected")
)

// LayerConfig holds configuration for a single layer of the network
type LayerConfig struct {
	Name       string
	Type       LayerType
	Activation ActivationType

	// Branch layers read the trunk activation at their position but do not feed the trunk
	// (auxiliary classifier heads).
	Branch bool

	// Conv2D / pooling parameters
	KernelSize    int       // Size of convolution or pooling window
	Stride        int       // Stride (defaults to 1 for conv, KernelSize for pooling)
	Padding       int       // Zero padding on each side
	Filters       int       // Number of output channels
	InputChannels int       // Expected input channels
	Kernel        []float32 // Conv: [filters][inChannels][k][k]; Dense: [inputSize][outputSize]
	Bias          []float32 // [filters] or [outputSize]

	// Dense parameters
	InputSize  int
	OutputSize int

	// Softmax
	Temperature float32

	// Parallel: one entry per tower (a multi-layer tower is a LayerSequential).
	// Residual and Sequential: the layers of the body, in order.
	ParallelBranches []LayerConfig
	CombineMode      string

	// Observer receives forward/backward events; GradientSource observers also seed Backward.
	Observer LayerObserver
}

// LayerEvent is delivered to a layer's observer
type LayerEvent struct {
	Type      string           `json:"type"` // "forward" or "backward"
	LayerIdx  int              `json:"layer_idx"`
	LayerName string           `json:"layer_name"`
	LayerType LayerType        `json:"layer_type"`
	Stats     LayerStats       `json:"stats"`
	Input     *Tensor[float32] `json:"-"`
	Output    *Tensor[float32] `json:"-"`
	StepCount uint64           `json:"step_count"`
}

// LayerStats summarizes a tensor seen by an observer
type LayerStats struct {
	AvgActivation float32 `json:"avg"`
	MaxActivation float32 `json:"max"`
	MinActivation float32 `json:"min"`
	ActiveNeurons int     `json:"active"`
	TotalNeurons  int     `json:"total"`
	LayerType     string  `json:"layer_type"`
}

// LayerObserver is attached to a layer and notified whenever the layer computes.
// A returned error aborts the pass that triggered it.
type LayerObserver interface {
	OnForward(event LayerEvent) error
	OnBackward(event LayerEvent) error
}

// GradientSource is an observer that contributes d(loss)/d(layer output) to Backward.
// It returns nil when it has nothing to contribute for the current pass.
type GradientSource interface {
	OutputGradient(layerIdx int) []float32
}

// NormStats are the input normalization statistics shipped with a model.
type NormStats struct {
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std,omitempty"`
}
