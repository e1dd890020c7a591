package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// TensorInfo describes a tensor's properties in a safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string][]float32, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and returns tensors by name.
// F32, F16 and BF16 tensors are converted to float32; other dtypes are rejected.
func LoadSafetensorsFromBytes(data []byte) (map[string][]float32, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	tensors := make(map[string][]float32)
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: expected 2 data offsets, got %d", name, len(info.Offset))
		}

		var width int
		switch info.DType {
		case "F32":
			width = 4
		case "F16", "BF16":
			width = 2
		default:
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}

		numElements := shapeSize(info.Shape)
		start := info.Offset[0]
		if start < 0 || start+numElements*width > len(allData) {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}

		tensorData := make([]float32, numElements)
		for i := 0; i < numElements; i++ {
			offset := start + i*width
			switch info.DType {
			case "F32":
				tensorData[i] = math.Float32frombits(binary.LittleEndian.Uint32(allData[offset : offset+4]))
			case "F16":
				tensorData[i] = float16ToFloat32(binary.LittleEndian.Uint16(allData[offset : offset+2]))
			case "BF16":
				tensorData[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(allData[offset : offset+2]))
			}
		}

		tensors[name] = tensorData
	}

	return tensors, nil
}

// SaveSafetensors writes float32 tensors to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]*Tensor[float32]) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors converts float32 tensors to safetensors bytes (F32, sorted by name)
func SerializeSafetensors(tensors map[string]*Tensor[float32]) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	currentOffset := 0
	for _, name := range names {
		t := tensors[name]
		if t.Size() != len(t.Data) {
			return nil, fmt.Errorf("tensor %s: %w: shape %s holds %d values", name, ErrShapeMismatch, ShapeString(t.Shape), len(t.Data))
		}
		size := len(t.Data) * 4
		header[name] = TensorInfo{
			DType:  "F32",
			Shape:  t.Shape,
			Offset: []int{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	result := make([]byte, 8+len(headerJSON)+currentOffset)
	binary.LittleEndian.PutUint64(result[0:8], uint64(len(headerJSON)))
	copy(result[8:], headerJSON)

	offset := 8 + len(headerJSON)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(result[offset:offset+4], math.Float32bits(v))
			offset += 4
		}
	}
	return result, nil
}

// ApplySafetensors copies "<layer>.weight" and "<layer>.bias" into the named layers,
// including layers nested in parallel, sequential and residual blocks.
// Dense weights are stored [out, in] and transposed to [in, out].
func (n *Network) ApplySafetensors(tensors map[string][]float32) error {
	for i := range n.Layers {
		if err := applyLayerTensors(&n.Layers[i], tensors); err != nil {
			return err
		}
	}
	return nil
}

func applyLayerTensors(l *LayerConfig, tensors map[string][]float32) error {
	for i := range l.ParallelBranches {
		if err := applyLayerTensors(&l.ParallelBranches[i], tensors); err != nil {
			return err
		}
	}
	if l.Name == "" || (l.Type != LayerConv2D && l.Type != LayerDense) {
		return nil
	}

	w, ok := tensors[l.Name+".weight"]
	if !ok {
		return fmt.Errorf("safetensors: missing %s.weight", l.Name)
	}
	wantW := len(l.Kernel)
	if l.Type == LayerConv2D && wantW == 0 {
		wantW = l.Filters * l.InputChannels * l.KernelSize * l.KernelSize
	}
	if l.Type == LayerDense {
		wantW = l.InputSize * l.OutputSize
	}
	if len(w) != wantW {
		return fmt.Errorf("safetensors: %s.weight: %w: %d values, want %d", l.Name, ErrShapeMismatch, len(w), wantW)
	}

	if l.Type == LayerDense {
		l.Kernel = make([]float32, len(w))
		for o := 0; o < l.OutputSize; o++ {
			for in := 0; in < l.InputSize; in++ {
				l.Kernel[in*l.OutputSize+o] = w[o*l.InputSize+in]
			}
		}
	} else {
		l.Kernel = append([]float32(nil), w...)
	}

	width := l.Filters
	if l.Type == LayerDense {
		width = l.OutputSize
	}
	b, ok := tensors[l.Name+".bias"]
	if !ok {
		l.Bias = make([]float32, width)
		return nil
	}
	if len(b) != width {
		return fmt.Errorf("safetensors: %s.bias: %w: %d values, want %d", l.Name, ErrShapeMismatch, len(b), width)
	}
	l.Bias = append([]float32(nil), b...)
	return nil
}

func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		// Normal
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
