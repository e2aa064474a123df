package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

// RandomRef returns n random bytes as an upper-case hex string, for
// ticket numbers and other human-facing references.
func RandomRef(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NumericCode returns n random decimal digits. Each digit is drawn
// independently, so there is no modulo bias.
func NumericCode(n int) (string, error) {
	ten := big.NewInt(10)
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		out[i] = '0' + byte(d.Int64())
	}
	return string(out), nil
}
