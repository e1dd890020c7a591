package nn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

const bundleType = "modelhost/bundle"

// ModelBundle represents a collection of saved models
type ModelBundle struct {
	Type    string       `json:"type"`
	Version int          `json:"version"`
	Models  []SavedModel `json:"models"`
}

// SavedModel represents a single saved model with config and weights
type SavedModel struct {
	ID      string         `json:"id"`
	Config  NetworkConfig  `json:"cfg"`
	Weights EncodedWeights `json:"weights"`
}

// NetworkConfig represents the network architecture and the metadata a visualization needs
type NetworkConfig struct {
	ID         string            `json:"id"`
	BatchSize  int               `json:"batch_size"`
	Layers     []LayerDefinition `json:"layers"`
	Seed       int64             `json:"seed,omitempty"`
	NumClasses int               `json:"num_classes,omitempty"`
	Epoch      int               `json:"epoch,omitempty"`
	Norm       *NormStats        `json:"norm,omitempty"`

	// ColorCorrelation is the 3x3 square root of the training color covariance
	ColorCorrelation [][]float32 `json:"color_correlation_svd_sqrt,omitempty"`

	// WeightsFile points at a safetensors file, relative to the config file
	WeightsFile string `json:"weights_file,omitempty"`
}

// ModelMeta is the metadata carried alongside a loaded network
type ModelMeta struct {
	ID               string
	NumClasses       int
	Epoch            int
	Norm             *NormStats
	ColorCorrelation [][]float32
}

// LayerDefinition defines a single layer's configuration
type LayerDefinition struct {
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Branch     bool   `json:"branch,omitempty"`

	// Dense layer fields
	InputSize  int `json:"input_size,omitempty"`
	OutputSize int `json:"output_size,omitempty"`

	// Conv2D / pooling fields
	InputChannels int `json:"input_channels,omitempty"`
	Filters       int `json:"filters,omitempty"`
	KernelSize    int `json:"kernel_size,omitempty"`
	Stride        int `json:"stride,omitempty"`
	Padding       int `json:"padding,omitempty"`

	// Softmax fields
	Temperature float32 `json:"temperature,omitempty"`

	// Parallel, residual and sequential fields
	CombineMode string            `json:"combine_mode,omitempty"`
	Branches    []LayerDefinition `json:"branches,omitempty"`
}

// EncodedWeights stores weights in base64-encoded JSON format
type EncodedWeights struct {
	Format string `json:"fmt"`
	Data   string `json:"data"`
}

// WeightsData represents the actual weight values
type WeightsData struct {
	Type   string         `json:"type"` // "float32"
	Layers []LayerWeights `json:"layers"`
}

// LayerWeights stores weights for a single layer
type LayerWeights struct {
	Kernel        []float32      `json:"kernel,omitempty"`
	Biases        []float32      `json:"biases,omitempty"`
	BranchWeights []LayerWeights `json:"branch_weights,omitempty"`
}

// SaveModel saves a single model to a file
func (n *Network) SaveModel(filename string, modelID string) error {
	savedModel, err := n.SerializeModel(modelID)
	if err != nil {
		return fmt.Errorf("failed to serialize model: %w", err)
	}

	bundle := ModelBundle{
		Type:    bundleType,
		Version: 1,
		Models:  []SavedModel{savedModel},
	}
	return bundle.SaveToFile(filename)
}

// SerializeModel converts the network and its metadata into a SavedModel
func (n *Network) SerializeModel(modelID string) (SavedModel, error) {
	config := NetworkConfig{
		ID:               modelID,
		BatchSize:        n.BatchSize,
		Layers:           make([]LayerDefinition, 0, len(n.Layers)),
		NumClasses:       n.Meta.NumClasses,
		Epoch:            n.Meta.Epoch,
		Norm:             n.Meta.Norm,
		ColorCorrelation: n.Meta.ColorCorrelation,
	}

	weightsData := WeightsData{
		Type:   "float32",
		Layers: make([]LayerWeights, 0, len(n.Layers)),
	}

	for i := range n.Layers {
		def, w := layerDefinition(&n.Layers[i])
		config.Layers = append(config.Layers, def)
		weightsData.Layers = append(weightsData.Layers, w)
	}

	weightsJSON, err := json.Marshal(weightsData)
	if err != nil {
		return SavedModel{}, fmt.Errorf("failed to marshal weights: %w", err)
	}

	return SavedModel{
		ID:     modelID,
		Config: config,
		Weights: EncodedWeights{
			Format: "jsonModelB64",
			Data:   base64.StdEncoding.EncodeToString(weightsJSON),
		},
	}, nil
}

func layerDefinition(l *LayerConfig) (LayerDefinition, LayerWeights) {
	def := LayerDefinition{
		Name:       l.Name,
		Type:       layerTypeToString(l.Type),
		Activation: activationToString(l.Activation),
		Branch:     l.Branch,
	}
	w := LayerWeights{Kernel: l.Kernel, Biases: l.Bias}

	switch l.Type {
	case LayerDense:
		def.InputSize = l.InputSize
		def.OutputSize = l.OutputSize
	case LayerConv2D:
		def.InputChannels = l.InputChannels
		def.Filters = l.Filters
		def.KernelSize = l.KernelSize
		def.Stride = l.Stride
		def.Padding = l.Padding
	case LayerMaxPool2D, LayerAvgPool2D:
		def.KernelSize = l.KernelSize
		def.Stride = l.Stride
		def.Padding = l.Padding
	case LayerSoftmax:
		def.Temperature = l.Temperature
	case LayerParallel, LayerResidual, LayerSequential:
		def.CombineMode = l.CombineMode
		for i := range l.ParallelBranches {
			bd, bw := layerDefinition(&l.ParallelBranches[i])
			def.Branches = append(def.Branches, bd)
			w.BranchWeights = append(w.BranchWeights, bw)
		}
	}
	return def, w
}

// LoadModel loads a single model from a bundle file. An empty modelID selects the first model.
func LoadModel(filename string, modelID string) (*Network, error) {
	bundle, err := LoadBundle(filename)
	if err != nil {
		return nil, err
	}
	return bundle.Model(modelID)
}

// Model deserializes the model with the given ID, or the first one when modelID is empty
func (b *ModelBundle) Model(modelID string) (*Network, error) {
	for _, savedModel := range b.Models {
		if modelID == "" || savedModel.ID == modelID {
			return DeserializeModel(savedModel)
		}
	}
	return nil, fmt.Errorf("model %s not found in bundle", modelID)
}

// LoadBundle loads a model bundle from a file
func LoadBundle(filename string) (*ModelBundle, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadBundleFromString(string(data))
}

// LoadBundleFromString loads a model bundle from a JSON string
func LoadBundleFromString(jsonString string) (*ModelBundle, error) {
	var bundle ModelBundle
	if err := json.Unmarshal([]byte(jsonString), &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}

	if bundle.Type != bundleType {
		return nil, fmt.Errorf("invalid bundle type: %s", bundle.Type)
	}

	return &bundle, nil
}

// SaveToFile saves the bundle to a file
func (b *ModelBundle) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// DeserializeModel creates a Network from a SavedModel
func DeserializeModel(saved SavedModel) (*Network, error) {
	weightsJSON, err := base64.StdEncoding.DecodeString(saved.Weights.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}

	var weightsData WeightsData
	if err := json.Unmarshal(weightsJSON, &weightsData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if len(weightsData.Layers) != len(saved.Config.Layers) {
		return nil, fmt.Errorf("weights for %d layers, architecture has %d", len(weightsData.Layers), len(saved.Config.Layers))
	}

	layers := make([]LayerConfig, len(saved.Config.Layers))
	for i, def := range saved.Config.Layers {
		l, err := buildLayerConfig(def, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d: %w", i, err)
		}
		if err := applyLayerWeights(&l, weightsData.Layers[i]); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, def.Name, err)
		}
		layers[i] = l
	}

	network := NewNetwork(layers...)
	network.Meta = metaFromConfig(saved.Config)
	if saved.Config.BatchSize > 0 {
		network.BatchSize = saved.Config.BatchSize
	}
	return network, nil
}

// applyLayerWeights copies saved weights into l and its nested layers
func applyLayerWeights(l *LayerConfig, w LayerWeights) error {
	if l.Type == LayerConv2D || l.Type == LayerDense {
		if len(w.Kernel) != len(l.Kernel) || len(w.Biases) != len(l.Bias) {
			return fmt.Errorf("%w: %d weights and %d biases, want %d and %d",
				ErrShapeMismatch, len(w.Kernel), len(w.Biases), len(l.Kernel), len(l.Bias))
		}
		l.Kernel = w.Kernel
		l.Bias = w.Biases
	}
	if len(w.BranchWeights) != len(l.ParallelBranches) {
		return fmt.Errorf("%w: weights for %d nested layers, layer has %d", ErrShapeMismatch, len(w.BranchWeights), len(l.ParallelBranches))
	}
	for i := range l.ParallelBranches {
		if err := applyLayerWeights(&l.ParallelBranches[i], w.BranchWeights[i]); err != nil {
			return fmt.Errorf("%s: %w", l.ParallelBranches[i].Name, err)
		}
	}
	return nil
}

func metaFromConfig(config NetworkConfig) ModelMeta {
	return ModelMeta{
		ID:               config.ID,
		NumClasses:       config.NumClasses,
		Epoch:            config.Epoch,
		Norm:             config.Norm,
		ColorCorrelation: config.ColorCorrelation,
	}
}

// Helper functions for type conversions
func layerTypeToString(lt LayerType) string {
	switch lt {
	case LayerDense:
		return "dense"
	case LayerConv2D:
		return "conv2d"
	case LayerMaxPool2D:
		return "max_pool2d"
	case LayerAvgPool2D:
		return "avg_pool2d"
	case LayerGlobalAvgPool:
		return "global_avg_pool"
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

func activationToString(a ActivationType) string {
	switch a {
	case ActivationScaledReLU:
		return "scaled_relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSoftplus:
		return "softplus"
	case ActivationLeakyReLU:
		return "leaky_relu"
	case ActivationReLU:
		return "relu"
	default:
		return "linear"
	}
}

func stringToActivation(s string) (ActivationType, error) {
	switch s {
	case "relu":
		return ActivationReLU, nil
	case "scaled_relu":
		return ActivationScaledReLU, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "softplus":
		return ActivationSoftplus, nil
	case "leaky_relu":
		return ActivationLeakyReLU, nil
	case "linear", "":
		return ActivationLinear, nil
	default:
		return ActivationLinear, fmt.Errorf("unknown activation %q", s)
	}
}

// BuildNetworkFromJSON creates a neural network from a JSON configuration string.
// Weights are He-initialized from rng (time-seeded when nil) and normally replaced by
// ApplySafetensors.
func BuildNetworkFromJSON(jsonConfig string, rng *rand.Rand) (*Network, error) {
	var config NetworkConfig
	if err := json.Unmarshal([]byte(jsonConfig), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return buildNetwork(config, rng)
}

func buildNetwork(config NetworkConfig, rng *rand.Rand) (*Network, error) {
	if len(config.Layers) == 0 {
		return nil, fmt.Errorf("network config has no layers")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(config.Seed))
	}

	layers := make([]LayerConfig, len(config.Layers))
	for i, def := range config.Layers {
		l, err := buildLayerConfig(def, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d: %w", i, err)
		}
		layers[i] = l
	}

	network := NewNetwork(layers...)
	network.Meta = metaFromConfig(config)
	return network, nil
}

// buildLayerConfig constructs a LayerConfig from a LayerDefinition. Weighted layers get
// He-initialized weights when rng is set, zeroed weights otherwise.
func buildLayerConfig(def LayerDefinition, rng *rand.Rand) (LayerConfig, error) {
	activation, err := stringToActivation(def.Activation)
	if err != nil {
		return LayerConfig{}, err
	}

	config := LayerConfig{
		Name:       def.Name,
		Activation: activation,
		Branch:     def.Branch,
	}

	switch def.Type {
	case "dense":
		if def.InputSize <= 0 || def.OutputSize <= 0 {
			return config, fmt.Errorf("dense layer %q needs input_size and output_size", def.Name)
		}
		config.Type = LayerDense
		config.InputSize = def.InputSize
		config.OutputSize = def.OutputSize
		config.Kernel = heInit(def.InputSize*def.OutputSize, def.InputSize, rng)
		config.Bias = make([]float32, def.OutputSize)

	case "conv2d":
		if def.InputChannels <= 0 || def.Filters <= 0 || def.KernelSize <= 0 {
			return config, fmt.Errorf("conv2d layer %q needs input_channels, filters and kernel_size", def.Name)
		}
		config.Type = LayerConv2D
		config.InputChannels = def.InputChannels
		config.Filters = def.Filters
		config.KernelSize = def.KernelSize
		config.Stride = def.Stride
		config.Padding = def.Padding
		fanIn := def.InputChannels * def.KernelSize * def.KernelSize
		config.Kernel = heInit(def.Filters*fanIn, fanIn, rng)
		config.Bias = make([]float32, def.Filters)

	case "max_pool2d", "avg_pool2d":
		if def.KernelSize <= 0 {
			return config, fmt.Errorf("pooling layer %q needs kernel_size", def.Name)
		}
		config.Type = LayerMaxPool2D
		if def.Type == "avg_pool2d" {
			config.Type = LayerAvgPool2D
		}
		config.KernelSize = def.KernelSize
		config.Stride = def.Stride
		config.Padding = def.Padding

	case "global_avg_pool":
		config.Type = LayerGlobalAvgPool

	case "softmax":
		config.Type = LayerSoftmax
		config.Temperature = def.Temperature
		if config.Temperature == 0 {
			config.Temperature = 1.0
		}

	case "parallel", "residual", "sequential":
		switch def.Type {
		case "parallel":
			config.Type = LayerParallel
			if len(def.Branches) == 0 {
				return config, fmt.Errorf("parallel layer %q has no branches", def.Name)
			}
			switch def.CombineMode {
			case CombineConcat, CombineAdd, CombineAvg, "average", "":
			default:
				return config, fmt.Errorf("parallel layer %q: unknown combine mode %q", def.Name, def.CombineMode)
			}
		case "residual":
			config.Type = LayerResidual
		default:
			config.Type = LayerSequential
		}
		config.CombineMode = def.CombineMode
		config.ParallelBranches = make([]LayerConfig, len(def.Branches))
		for i, bd := range def.Branches {
			b, err := buildLayerConfig(bd, rng)
			if err != nil {
				return config, fmt.Errorf("%s branch %d: %w", def.Type, i, err)
			}
			config.ParallelBranches[i] = b
		}

	default:
		return config, fmt.Errorf("unknown layer type %q", def.Type)
	}

	return config, nil
}

func heInit(size, fanIn int, rng *rand.Rand) []float32 {
	w := make([]float32, size)
	if rng == nil {
		return w
	}
	stddev := math.Sqrt(2.0 / float64(fanIn))
	for i := range w {
		w[i] = float32(rng.NormFloat64() * stddev)
	}
	return w
}

// LoadVisModel loads a classifier for visualization.
//
// path is either a bundle written by SaveModel, or a NetworkConfig JSON whose weights live
// in a safetensors file (weights_file, or the config path with a .safetensors extension).
// With hasBranches false, auxiliary branch layers are dropped. The returned class count is
// the output width of the last trunk dense layer, or numClasses when there is none.
func LoadVisModel(path string, numClasses int, hasBranches bool) (*Network, *NormStats, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load model: %w", err)
	}

	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, nil, 0, fmt.Errorf("load model %s: %w", path, err)
	}

	var network *Network
	if header.Type == bundleType {
		bundle, err := LoadBundleFromString(string(data))
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load model %s: %w", path, err)
		}
		if network, err = bundle.Model(""); err != nil {
			return nil, nil, 0, fmt.Errorf("load model %s: %w", path, err)
		}
	} else {
		var config NetworkConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, nil, 0, fmt.Errorf("load model %s: %w", path, err)
		}
		if network, err = buildNetwork(config, nil); err != nil {
			return nil, nil, 0, fmt.Errorf("load model %s: %w", path, err)
		}

		weightsPath := config.WeightsFile
		if weightsPath == "" {
			weightsPath = strings.TrimSuffix(path, filepath.Ext(path)) + ".safetensors"
		} else if !filepath.IsAbs(weightsPath) {
			weightsPath = filepath.Join(filepath.Dir(path), weightsPath)
		}
		tensors, err := LoadSafetensors(weightsPath)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load weights %s: %w", weightsPath, err)
		}
		if err := network.ApplySafetensors(tensors); err != nil {
			return nil, nil, 0, fmt.Errorf("load weights %s: %w", weightsPath, err)
		}
	}

	if !hasBranches {
		network.DropBranches()
	}

	classes := numClasses
	for i := len(network.Layers) - 1; i >= 0; i-- {
		l := network.Layers[i]
		if !l.Branch && l.Type == LayerDense {
			classes = l.OutputSize
			break
		}
	}
	network.Meta.NumClasses = classes

	return network, network.Meta.Norm, classes, nil
}

// DropBranches removes auxiliary branch layers, keeping only the trunk
func (n *Network) DropBranches() {
	trunk := n.Layers[:0]
	for _, l := range n.Layers {
		if !l.Branch {
			trunk = append(trunk, l)
		}
	}
	n.Layers = trunk
	n.resetStorage()
}
