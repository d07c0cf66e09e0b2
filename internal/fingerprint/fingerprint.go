// Package fingerprint computes content-addressed identities for ingestion
// requests. Two submissions with the same normalized content, ontology, and
// chunk parameters produce the same digest; everything else is a new job.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a 256-bit content fingerprint.
type Digest [Size]byte

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a hex string into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	if len(raw) != Size {
		return d, fmt.Errorf("invalid fingerprint length %d, want %d", len(raw), Size)
	}
	copy(d[:], raw)
	return d, nil
}

// Compute produces the digest over the NFC-normalized, trimmed content
// concatenated with the parameter tuple. Whitespace differences inside the
// content are preserved: there is no semantic normalization.
func Compute(content []byte, ontology string, targetWords, overlapWords int) Digest {
	normalized := norm.NFC.String(strings.TrimSpace(string(content)))

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(ontology))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d:%d", targetWords, overlapWords)

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Salted returns a fresh digest derived from d plus a random salt. Used for
// force re-ingestion so the new job is stored under a distinct identity.
func Salted(d Digest) Digest {
	var salt [8]byte
	_, _ = rand.Read(salt[:])

	h := sha256.New()
	h.Write(d[:])
	h.Write(salt[:])

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
