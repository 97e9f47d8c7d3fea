package mtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomPayload returns sz pseudorandom bytes,
// seeded from the test name so failures reproduce.
func RandomPayload(t testing.TB, sz int) []byte {
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]byte, sz)
	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}
