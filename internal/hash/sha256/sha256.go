// Package sha256 digests fetched bodies so callers can detect changed pages
// without keeping them.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBody digests the bytes resp would be saved as: the binary body, or
// the text encoded with its resolved encoding. ok is false without a body.
func (h Hasher) HashBody(resp crawler.FetchResponse) (digest string, ok bool) {
	if !resp.HasBody() {
		return "", false
	}
	return h.Hash(resp.Binary()), true
}
