// Package pseudo derives deterministic, non-reversible research pseudonyms
// from patient identifiers. Two independent key scopes exist: the PID key
// producing RIDs and the MPID key producing MRIDs, so possession of one
// pseudonym space does not reveal the other. Rotating a key intentionally
// invalidates every pseudonym it produced.
package pseudo

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sort"
)

// Hasher maps a real identifier to an opaque, stable research identifier
// using a keyed cryptographic hash (HMAC-SHA512). The same value under the
// same key always yields the same digest; inverting a digest without the
// key is computationally infeasible.
type Hasher struct {
	key []byte
}

// NewHasher constructs a Hasher from an explicit key. A missing key is a
// fatal configuration error: running without one would emit linkable or
// guessable pseudonyms.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("pseudonym hasher: key must not be empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Hasher{key: k}, nil
}

// Hash returns the hex digest for one identifier value.
func (h *Hasher) Hash(value string) string {
	mac := hmac.New(sha512.New, h.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// SourceHash computes an unkeyed content hash over one source row, used
// only as the incremental-run change marker. Fields are folded in sorted
// column order so the digest is independent of SELECT column order.
func SourceHash(fields map[string]string) string {
	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	d := sha256.New()
	for _, c := range cols {
		d.Write([]byte(c))
		d.Write([]byte{0})
		d.Write([]byte(fields[c]))
		d.Write([]byte{0})
	}
	return hex.EncodeToString(d.Sum(nil))
}
