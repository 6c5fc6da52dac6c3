package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ComputeSHA256FromBytes returns the lowercase hex SHA-256 digest of data.
// Identical uploads always produce the same key, which is what the
// preparation cache relies on.
func ComputeSHA256FromBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeSHA256FromReader computes the SHA-256 digest of everything r yields.
func ComputeSHA256FromReader(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("reader cannot be nil")
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to read data: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
