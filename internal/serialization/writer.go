package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/born-ml/roadseg/internal/tensor"
)

// MetaSuffix is appended to a checkpoint path for its human-readable header copy.
const MetaSuffix = ".meta.json"

// WriteTo writes state to w as a .born v2 checkpoint. Tensors are stored in
// name order so equal states produce equal files apart from CreatedAt.
// The returned header carries the computed tensor table.
func WriteTo(w io.Writer, state map[string]*tensor.RawTensor, header Header) (Header, error) {
	header.FormatVersion = FormatVersion
	header.Producer = Producer
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	names := slices.Sorted(maps.Keys(state))
	header.Tensors = make([]TensorMeta, 0, len(names))
	var data []byte
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return header, err
		}
		raw := state[name]
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  raw.DType().String(),
			Shape:  []int(raw.Shape().Clone()),
			Offset: int64(len(data)),
			Size:   int64(raw.ByteSize()),
		})
		data = append(data, raw.Data()...)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return header, fmt.Errorf("failed to marshal header: %w", err)
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.Checkpoint != nil && header.Checkpoint.OptimizerType != "" {
		flags |= FlagHasOptimizer
	}

	checksum := ComputeChecksum(data)
	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	headerSize := int64(len(headerJSON))
	padding := alignedDataOffset(headerSize) - int64(FixedHeaderSize) - headerSize

	for _, chunk := range [][]byte{fixed, headerJSON, make([]byte, padding), data} {
		if _, err := w.Write(chunk); err != nil {
			return header, fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	return header, nil
}

// SaveCheckpoint writes state to path, replacing any previous checkpoint, and
// mirrors the JSON header to path+MetaSuffix.
func SaveCheckpoint(path string, state map[string]*tensor.RawTensor, header Header) (Header, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // model directory
		return header, fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return header, fmt.Errorf("failed to create file: %w", err)
	}
	header, err = WriteTo(tmp, state, header)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return header, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return header, fmt.Errorf("replace checkpoint: %w", err)
	}

	meta, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return header, fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(path+MetaSuffix, meta, 0o644); err != nil { //nolint:gosec // readable metadata
		return header, fmt.Errorf("write checkpoint metadata: %w", err)
	}
	return header, nil
}
