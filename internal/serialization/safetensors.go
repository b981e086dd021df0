package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/born-ml/roadseg/internal/tensor"
)

// SafeTensorHeader describes one tensor in a safetensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes tensors to path in safetensors format:
//
//	[8 bytes: header size (uint64 LE)]
//	[JSON header]
//	[tensor data]
//
// Tensors are stored in name order.
func WriteSafeTensors(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	names := slices.Sorted(maps.Keys(tensors))

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, name := range names {
		raw := tensors[name]
		shape := make([]int64, len(raw.Shape()))
		for i, d := range raw.Shape() {
			shape[i] = int64(d)
		}
		dt, err := safeTensorsDType(raw.DType())
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		size := int64(raw.ByteSize())
		header[name] = SafeTensorHeader{DType: dt, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	f, err := os.Create(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := f.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return f.Close()
}

func safeTensorsDType(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return "F32", nil
	case tensor.Float64:
		return "F64", nil
	case tensor.Int32:
		return "I32", nil
	case tensor.Int64:
		return "I64", nil
	case tensor.Uint8:
		return "U8", nil
	default:
		return "", fmt.Errorf("unsupported dtype %v", dt)
	}
}
