package util

import (
	"encoding/hex"
	"math/rand/v2"
)

// ID prefixes by record type.
const (
	DeliveryIDPrefix = "d_"
	OutboxIDPrefix   = "outbox_"
)

// NewID returns prefix followed by 32 random hex digits. IDs are unique in practice but not
// unguessable.
func NewID(prefix string) string {
	return prefix + RandomHex(32)
}

// RandomHex returns n random lowercase hex digits.
func RandomHex(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, (n+1)/2)
	for i := 0; i < len(buf); i += 8 {
		v := rand.Uint64()
		for j := i; j < len(buf) && j < i+8; j++ {
			buf[j] = byte(v)
			v >>= 8
		}
	}
	return hex.EncodeToString(buf)[:n]
}
