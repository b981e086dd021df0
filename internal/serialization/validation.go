package serialization

import (
	"fmt"
	"slices"
	"strings"
)

// Validation limits.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidateTensorOffsets checks that tensors neither overlap nor extend past
// the data section.
func ValidateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b TensorMeta) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})

	for i, t := range sorted {
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateTensorName rejects names that could escape a directory when used as
// a path. Scoped names such as "conv1_1/kernel" are allowed.
func ValidateTensorName(name string) error {
	invalid := func(details string) error {
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: details}
	}
	switch {
	case name == "":
		return invalid("empty")
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case strings.HasPrefix(name, "/"):
		return invalid("absolute name")
	case strings.Contains(name, "\\"):
		return invalid("contains backslash")
	case strings.Contains(name, "\x00"):
		return invalid("contains null byte")
	case slices.Contains(strings.Split(name, "/"), ".."):
		return invalid("contains '..' segment")
	}
	return nil
}

// ValidateHeader checks tensor names, dtypes, shapes and offsets.
func ValidateHeader(h *Header, dataSize int64) error {
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		dt, err := parseDType(t.DType)
		if err != nil {
			return err
		}
		n := int64(dt.Size())
		for _, d := range t.Shape {
			if d <= 0 {
				return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: fmt.Sprint(t.Shape)}
			}
			n *= int64(d)
		}
		if n != t.Size {
			return &ValidationError{
				Type:    "size_mismatch",
				Tensor:  t.Name,
				Details: fmt.Sprintf("shape %v needs %d bytes, header says %d", t.Shape, n, t.Size),
			}
		}
	}
	return ValidateTensorOffsets(h.Tensors, dataSize)
}
