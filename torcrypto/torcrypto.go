// Package torcrypto implements the RSA key handling and digests used by the
// Tor link protocol.
package torcrypto

import (
	"crypto/rand"
	"hash"
)

// Rand returns n bytes from the system CSPRNG. A failing random source is
// not recoverable, so Rand panics.
func Rand(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// HashWrite feeds each part to h in order. Writes to a hash.Hash never fail.
func HashWrite(h hash.Hash, parts ...[]byte) {
	for _, p := range parts {
		if _, err := h.Write(p); err != nil {
			panic(err)
		}
	}
}
