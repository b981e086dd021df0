package serialization

import (
	"crypto/sha256"
)

// ComputeChecksum computes the SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum returns ErrChecksumMismatch when computed differs from stored.
func ValidateChecksum(computed, stored [32]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
