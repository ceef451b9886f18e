// Package fingerprint derives deterministic content hashes from invocation
// run specifications. The hash identifies identical runs; it is stored on the
// execution record and is not used to skip execution.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CacheHash canonicalizes data as RFC 8785 JSON and returns its SHA-256 hex
// digest. Map key order and formatting never influence the result.
func CacheHash(data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal run spec: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize run spec: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
