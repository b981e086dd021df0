package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/roadseg/internal/tensor"
)

// ReadFrom reads a .born v2 checkpoint, verifying its checksum, and returns
// the stored state and header.
func ReadFrom(r io.Reader) (map[string]*tensor.RawTensor, Header, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, Header{}, fmt.Errorf("%w: failed to read fixed header: %w", ErrInvalidFile, err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, Header{}, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, Header{}, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	var stored [32]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, Header{}, ErrHeaderTooLarge
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, Header{}, fmt.Errorf("%w: failed to read header: %w", ErrInvalidFile, err)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, Header{}, fmt.Errorf("%w: failed to parse header JSON: %w", ErrInvalidFile, err)
	}
	if err := ValidateHeader(&header, int64(dataSize)); err != nil { //nolint:gosec // bounded by the read below
		return nil, Header{}, err
	}

	//nolint:gosec // headerSize is bounded by MaxHeaderSize
	padding := alignedDataOffset(int64(headerSize)) - int64(FixedHeaderSize) - int64(headerSize)
	if _, err := io.CopyN(io.Discard, r, padding); err != nil {
		return nil, Header{}, fmt.Errorf("%w: failed to read padding: %w", ErrInvalidFile, err)
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(dataSize))) //nolint:gosec // validated size
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if uint64(len(data)) != dataSize {
		return nil, Header{}, fmt.Errorf("%w: data section truncated: %d of %d bytes", ErrInvalidFile, len(data), dataSize)
	}
	if err := ValidateChecksum(ComputeChecksum(data), stored); err != nil {
		return nil, Header{}, err
	}

	state := make(map[string]*tensor.RawTensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		dt, err := parseDType(meta.DType)
		if err != nil {
			return nil, Header{}, err
		}
		raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dt)
		if err != nil {
			return nil, Header{}, fmt.Errorf("tensor %s: %w", meta.Name, err)
		}
		copy(raw.Data(), data[meta.Offset:meta.Offset+meta.Size])
		state[meta.Name] = raw
	}
	return state, header, nil
}

// LoadCheckpoint reads the checkpoint at path.
func LoadCheckpoint(path string) (map[string]*tensor.RawTensor, Header, error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ReadFrom(f)
}
