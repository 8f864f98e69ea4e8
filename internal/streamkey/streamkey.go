// Package streamkey generates live stream keys and derives the keyed digests
// under which they are stored and looked up. Raw keys are shown to the owner
// once and never persisted.
package streamkey

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var errKeyRequired = errors.New("stream key required")

// NewKey returns a fresh random stream key.
func NewKey() string {
	return uuid.NewString()
}

// Digester computes keyed BLAKE2b digests of stream keys. Keying the hash
// with an instance secret means a leaked datastore does not allow offline
// recovery of keys by brute force over the uuid space.
type Digester struct {
	secret []byte
}

// NewDigester derives a digester from the instance secret. Secrets longer
// than the BLAKE2b key limit are folded down with an unkeyed hash first.
func NewDigester(secret string) Digester {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return Digester{secret: key}
}

// Digest returns the hex digest of a raw stream key.
func (d Digester) Digest(key string) (string, error) {
	if key == "" {
		return "", errKeyRequired
	}
	h, err := blake2b.New256(d.secret)
	if err != nil {
		return "", err
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Match reports whether a raw key hashes to the stored digest, comparing in
// constant time.
func (d Digester) Match(key, digest string) bool {
	computed, err := d.Digest(key)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
