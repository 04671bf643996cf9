package dispatch

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// stopKey holds the digest of the key a job was started with. The plain
// key is never retained.
type stopKey [blake2b.Size256]byte

func newStopKey(key string) stopKey { return blake2b.Sum256([]byte(key)) }

// matches compares in constant time. Equal digests mean equal strings.
func (k stopKey) matches(candidate string) bool {
	d := blake2b.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(k[:], d[:]) == 1
}
