package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash returns the content address of m. Two manifests with the same
// content hash identically regardless of key order or whitespace in the
// document they were parsed from.
func Hash(m *Manifest) (string, error) {
	canon, err := Canonical(m)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canon)
	return hex.EncodeToString(sum[:20]), nil
}

// Canonical renders m as JSON with sorted object keys and no
// insignificant whitespace, including inside the opaque appData blob.
func Canonical(m *Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return json.Marshal(generic)
}
