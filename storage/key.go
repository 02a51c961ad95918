package storage

import (
	"encoding/hex"
	"fmt"
)

// KeySize is the width of a Key in bytes.
const KeySize = 32

// Key identifies one cached result. It is a value type; copies are equal.
type Key [KeySize]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether k is the zero Key, which no derivation produces.
func (k Key) IsZero() bool { return k == Key{} }

// ParseKey parses the hex form produced by Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(KeySize) {
		return k, fmt.Errorf("storage: key must be %d hex characters, got %d", hex.EncodedLen(KeySize), len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("storage: invalid key: %w", err)
	}
	return k, nil
}
