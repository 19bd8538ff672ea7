package value

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of a content hash, in bytes.
const HashSize = sha256.Size

// Hash is a 32-byte content digest.
//
// It is used both as the integrity check for domain payloads and as the
// version identity of compiled bytecode.
type Hash [HashSize]byte

// SumHash returns the content hash of the given data.
func SumHash(data []byte) Hash {
	return sha256.Sum256(data)
}

// ParseHash parses the hexadecimal representation of a hash.
func ParseHash(s string) (Hash, error) {
	var h Hash

	if len(s) != hex.EncodedLen(HashSize) {
		return h, fmt.Errorf(
			"invalid hash: expected %d hex characters, got %d",
			hex.EncodedLen(HashSize),
			len(s),
		)
	}

	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}

	return h, nil
}

// HashFromBytes converts a raw byte slice to a hash.
//
// It returns an error unless data is exactly HashSize bytes long.
func HashFromBytes(data []byte) (Hash, error) {
	var h Hash

	if len(data) != HashSize {
		return h, fmt.Errorf(
			"invalid hash: expected %d bytes, got %d",
			HashSize,
			len(data),
		)
	}

	copy(h[:], data)

	return h, nil
}

// String returns the hexadecimal representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is the zero-value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := ParseHash(string(bytes.ToLower(data)))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}
