package serialization

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrInvalidFile        = errors.New("invalid file")
)

// ValidationError provides detailed information about validation failures.
type ValidationError struct {
	Type    string // e.g. "offset_overlap", "out_of_bounds"
	Tensor  string
	Tensor2 string // second tensor of an overlap
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// Unwrap lets callers match every validation failure with ErrInvalidFile.
func (e *ValidationError) Unwrap() error { return ErrInvalidFile }
