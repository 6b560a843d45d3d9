// Package sha256 provides the SHA-256 digests used for record identity and payload archival.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Hasher hashes payload bytes.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fields hashes an ordered tuple of already-normalized fields. Each field is
// length-prefixed, so no byte sequence inside a field can shift a boundary.
func Fields(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
