package nn

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// ModelTelemetry represents a single network's structure
type ModelTelemetry struct {
	ID          string           `json:"id"`
	TotalLayers int              `json:"total_layers"`
	TotalParams int              `json:"total_parameters"`
	NumClasses  int              `json:"num_classes,omitempty"`
	Epoch       int              `json:"epoch,omitempty"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Index      int    `json:"index"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Branch     bool   `json:"branch,omitempty"`
	Parameters int    `json:"parameters"`

	// Channels is the number of channels (or features) the layer emits, 0 if unknown
	Channels int `json:"channels,omitempty"`
}

// ExtractNetworkBlueprint extracts telemetry data from a loaded network.
func ExtractNetworkBlueprint(n *Network, modelID string) ModelTelemetry {
	telemetry := ModelTelemetry{
		ID:          modelID,
		TotalLayers: len(n.Layers),
		NumClasses:  n.Meta.NumClasses,
		Epoch:       n.Meta.Epoch,
		Layers:      make([]LayerTelemetry, 0, len(n.Layers)),
	}

	for i, layerConfig := range n.Layers {
		layerTel := extractLayerTelemetry(layerConfig)
		layerTel.Index = i
		layerTel.Channels = n.LayerChannels(i)

		telemetry.Layers = append(telemetry.Layers, layerTel)
		telemetry.TotalParams += layerTel.Parameters
	}

	return telemetry
}

func extractLayerTelemetry(config LayerConfig) LayerTelemetry {
	tel := LayerTelemetry{
		Name:   config.Name,
		Type:   layerTypeToString(config.Type),
		Branch: config.Branch,
	}

	switch config.Type {
	case LayerDense, LayerConv2D, LayerResidual:
		tel.Activation = activationToString(config.Activation)
	}
	// Weights + Biases, nested blocks included
	tel.Parameters = compositeParams(&config)

	return tel
}

// WriteTable prints one row per layer, the names being what hooks are registered by
func (m ModelTelemetry) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "IDX\tNAME\tTYPE\tACTIVATION\tCHANNELS\tPARAMS\tBRANCH\n")
	for _, l := range m.Layers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%v\n", l.Index, l.Name, l.Type, l.Activation, l.Channels, l.Parameters, l.Branch)
	}
	fmt.Fprintf(tw, "total parameters: %d\n", m.TotalParams)
	return tw.Flush()
}
