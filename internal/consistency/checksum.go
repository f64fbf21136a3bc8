package consistency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Checksum computes the canonical checksum of a record payload. The payload
// is rendered as canonical JSON (object keys sorted, numbers normalized) and
// hashed with SHA-256, so two stores holding the same logical record produce
// the same checksum regardless of field order or representation quirks.
func Checksum(payload map[string]interface{}) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize renders a value as canonical JSON. A marshal/unmarshal round
// trip first collapses store-specific value types (int64 vs float64, typed
// nils) into plain JSON values; encoding/json then emits object keys in
// sorted order.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

// sameValue reports whether two field values are equal under canonical JSON.
func sameValue(a, b interface{}) bool {
	ca, errA := canonicalize(a)
	cb, errB := canonicalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}
