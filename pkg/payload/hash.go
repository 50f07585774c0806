package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 (JCS) canonical JSON form of the document:
// map keys sorted lexicographically by UTF-8 bytes, array order preserved,
// no HTML escaping. The same document always yields the same bytes
// regardless of map insertion order.
func Canonical(d Document) ([]byte, error) {
	raw, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return canon, nil
}

// Hash computes the SHA-256 hex digest of the canonical form of d.
// Pure function: equal documents hash equal, and any later mutation of the
// payload is detectable by recomputing the digest. Fails with ErrEncoding
// for values that have no canonical JSON form (e.g. non-finite numbers).
func Hash(d Document) (string, error) {
	canon, err := Canonical(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
