// Package idgen generates the stable identities the sync engine relies on:
// the 128-bit global id stamped onto every tracked row, and deterministic
// ids for rows whose identity is a composite key rather than a random one.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// GlobalID returns a fresh 128-bit random hex identity for a tracked row.
// This is the value triggers assign to a row's global_id column and the
// only identity the server and other devices ever see.
func GlobalID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeviceID returns a fresh random device fingerprint.
func DeviceID() (string, error) {
	return GlobalID()
}

// Deterministic computes a stable id for a record whose identity is
// derived from other fields rather than assigned randomly (e.g. a
// composite-key join row). The same input always yields the same id,
// so re-applying a remote change for the same logical row converges.
func Deterministic(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return prefix + hex.EncodeToString(sum)[:16]
}
