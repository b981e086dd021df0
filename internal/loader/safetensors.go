package loader

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/born-ml/roadseg/internal/tensor"
)

// ErrMalformed is returned for files that do not follow the safetensors layout.
var ErrMalformed = errors.New("malformed safetensors file")

const maxHeaderSize = 100 * 1024 * 1024

// SafeTensorsDType represents supported SafeTensors data types.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF16  SafeTensorsDType = "F16"
	SafeTensorsF32  SafeTensorsDType = "F32"
	SafeTensorsF64  SafeTensorsDType = "F64"
	SafeTensorsBF16 SafeTensorsDType = "BF16"
	SafeTensorsI32  SafeTensorsDType = "I32"
	SafeTensorsI64  SafeTensorsDType = "I64"
	SafeTensorsU8   SafeTensorsDType = "U8"
)

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end)
}

// SafeTensors is an open safetensors file.
type SafeTensors struct {
	file       *os.File
	metadata   map[string]string
	tensors    map[string]SafeTensorInfo
	dataOffset int64
	dataSize   int64
}

// OpenSafeTensors opens path and parses its header.
func OpenSafeTensors(path string) (*SafeTensors, error) {
	file, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	st, err := parse(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

func parse(file *os.File) (*SafeTensors, error) {
	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("%w: failed to read header size: %w", ErrMalformed, err)
	}
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("%w: header size %d too large", ErrMalformed, headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %w", ErrMalformed, err)
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawMap); err != nil {
		return nil, fmt.Errorf("%w: failed to parse header JSON: %w", ErrMalformed, err)
	}
	st := &SafeTensors{
		file:       file,
		tensors:    make(map[string]SafeTensorInfo, len(rawMap)),
		dataOffset: int64(8 + headerSize), //nolint:gosec // bounded by maxHeaderSize
	}
	for key, value := range rawMap {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &st.metadata); err != nil {
				return nil, fmt.Errorf("%w: failed to unmarshal metadata: %w", ErrMalformed, err)
			}
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal tensor %s: %w", ErrMalformed, key, err)
		}
		st.tensors[key] = info
	}

	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	st.dataSize = fi.Size() - st.dataOffset
	for name, info := range st.tensors {
		if err := st.checkInfo(name, info); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *SafeTensors) checkInfo(name string, info SafeTensorInfo) error {
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > s.dataSize {
		return fmt.Errorf("%w: tensor %s: data offsets [%d, %d] outside %d data bytes",
			ErrMalformed, name, start, end, s.dataSize)
	}
	dt, err := dataType(info.DType)
	if err != nil {
		// Unsupported dtypes stay listed; LoadTensor reports them.
		return nil //nolint:nilerr // deferred to LoadTensor
	}
	n := int64(dt.Size())
	for _, d := range info.Shape {
		n *= int64(d)
	}
	if n != end-start {
		return fmt.Errorf("%w: tensor %s: shape %v needs %d bytes, offsets span %d",
			ErrMalformed, name, info.Shape, n, end-start)
	}
	return nil
}

// Close closes the file.
func (s *SafeTensors) Close() error { return s.file.Close() }

// Metadata returns the __metadata__ map of the header.
func (s *SafeTensors) Metadata() map[string]string { return s.metadata }

// TensorNames returns the stored tensor names in sorted order.
func (s *SafeTensors) TensorNames() []string {
	return slices.Sorted(maps.Keys(s.tensors))
}

// TensorInfo returns the header entry of name.
func (s *SafeTensors) TensorInfo(name string) (SafeTensorInfo, bool) {
	info, ok := s.tensors[name]
	return info, ok
}

// LoadTensor reads one tensor.
func (s *SafeTensors) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, ok := s.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	dt, err := dataType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	raw, err := tensor.NewRaw(tensor.Shape(info.Shape), dt)
	if err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", name, err)
	}
	if _, err := s.file.ReadAt(raw.Data(), s.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return raw, nil
}

// LoadAll reads every tensor into a state dict.
func (s *SafeTensors) LoadAll() (map[string]*tensor.RawTensor, error) {
	state := make(map[string]*tensor.RawTensor, len(s.tensors))
	for _, name := range s.TensorNames() {
		raw, err := s.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		state[name] = raw
	}
	return state, nil
}

func dataType(dtype SafeTensorsDType) (tensor.DataType, error) {
	switch dtype {
	case SafeTensorsF32:
		return tensor.Float32, nil
	case SafeTensorsF64:
		return tensor.Float64, nil
	case SafeTensorsI32:
		return tensor.Int32, nil
	case SafeTensorsI64:
		return tensor.Int64, nil
	case SafeTensorsU8:
		return tensor.Uint8, nil
	case SafeTensorsF16, SafeTensorsBF16:
		return 0, fmt.Errorf("dtype %s requires conversion (not supported)", dtype)
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}
