package models

// KeySize is the length in bytes of every chat encryption key (AES-256).
const KeySize = 32

// Key is a raw symmetric key.
type Key []byte

// Valid reports whether the key has the expected length.
func (k Key) Valid() bool {
	return len(k) == KeySize
}

// KeyBundle is the set of symmetric keys a session holds. Primary is
// the only key used for new encryptions; Alternatives are retained so
// ciphertext produced under rotated-out keys stays readable. Decryption
// tries Primary first, then Alternatives in order.
type KeyBundle struct {
	Primary      Key   `json:"primary"`
	Alternatives []Key `json:"alternatives,omitempty"`
}

// All returns every key in fallback order: primary first.
func (b *KeyBundle) All() []Key {
	keys := make([]Key, 0, 1+len(b.Alternatives))
	keys = append(keys, b.Primary)
	keys = append(keys, b.Alternatives...)

	return keys
}
