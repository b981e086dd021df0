package serialization

import (
	"time"

	"github.com/born-ml/roadseg/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "BORN"
	FormatVersion   = 2
	HeaderAlignment = 64   // tensor data starts on a 64-byte boundary
	FixedHeaderSize = 64   // 0x40
	ChecksumSize    = 32   // SHA-256
	ChecksumOffset  = 0x20 // checksum position in the fixed header
)

// Flags for the .born format.
const (
	FlagHasOptimizer uint32 = 1 << 1 // optimizer moments included
	FlagHasMetadata  uint32 = 1 << 2 // custom metadata included
)

// Producer is recorded in every header.
const Producer = "roadseg"

// Header is the JSON header of a checkpoint.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
	Checkpoint    *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta records the training state a checkpoint was taken at.
type CheckpointMeta struct {
	RunID           string         `json:"run_id"`
	Epoch           int            `json:"epoch"`
	Step            int64          `json:"step"`
	Loss            float64        `json:"loss"`
	OptimizerType   string         `json:"optimizer_type"`
	OptimizerConfig map[string]any `json:"optimizer_config"`
}

// TensorMeta describes one tensor of the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`
}

func parseDType(s string) (tensor.DataType, error) {
	dt, ok := tensor.ParseDataType(s)
	if !ok {
		return 0, &ValidationError{Type: "unsupported_dtype", Details: s}
	}
	return dt, nil
}

func alignedDataOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
