// Package sign builds and checks the HMAC signatures payment providers
// attach to their requests and callbacks. Each provider publishes the
// order its fields are concatenated in; the signing scheme itself is
// shared.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonical builds the signed string: "name=value" pairs in the given
// field order, joined with "&". A field missing from values contributes
// an empty value, which is how the providers' backends behave when a
// field is absent.
func Canonical(fields []string, values map[string]string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + "=" + values[f]
	}
	return strings.Join(parts, "&")
}

// Compute returns the lowercase hex HMAC-SHA256 of the canonical string
// of fields under key.
func Compute(key []byte, fields []string, values map[string]string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(Canonical(fields, values)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares it to got in constant
// time. The comparison is case-insensitive on the hex digits since
// some providers send uppercase.
func Verify(key []byte, fields []string, values map[string]string, got string) bool {
	if got == "" {
		return false
	}
	want := Compute(key, fields, values)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(got)))
}
