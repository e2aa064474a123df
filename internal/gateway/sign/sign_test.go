package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testFields = []string{"merchant_id", "order_id", "amount"}

func testValues() map[string]string {
	return map[string]string{
		"merchant_id": "M001",
		"order_id":    "ORD-42",
		"amount":      "150.00",
	}
}

func TestCanonical(t *testing.T) {
	assert.Equal(t,
		"merchant_id=M001&order_id=ORD-42&amount=150.00",
		Canonical(testFields, testValues()))
}

func TestCanonical_MissingFieldIsEmpty(t *testing.T) {
	v := testValues()
	delete(v, "order_id")
	assert.Equal(t,
		"merchant_id=M001&order_id=&amount=150.00",
		Canonical(testFields, v))
}

// A signature computed by a provider over the documented concatenation
// must verify; Compute has to agree with it byte for byte.
func TestCompute_MatchesDocumentedConcatenation(t *testing.T) {
	key := []byte("secret")
	h := hmac.New(sha256.New, key)
	h.Write([]byte("merchant_id=M001&order_id=ORD-42&amount=150.00"))
	want := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, Compute(key, testFields, testValues()))
	assert.True(t, Verify(key, testFields, testValues(), want))
}

func TestCompute_LowercaseHex(t *testing.T) {
	sig := Compute([]byte("secret"), testFields, testValues())
	assert.Len(t, sig, 64)
	assert.Equal(t, strings.ToLower(sig), sig)
}

func TestCompute_OrderMatters(t *testing.T) {
	a := Compute([]byte("secret"), testFields, testValues())
	b := Compute([]byte("secret"), []string{"order_id", "merchant_id", "amount"}, testValues())
	assert.NotEqual(t, a, b)
}

func TestVerify_RoundTrip(t *testing.T) {
	key := []byte("secret")
	sig := Compute(key, testFields, testValues())

	assert.True(t, Verify(key, testFields, testValues(), sig))
	assert.True(t, Verify(key, testFields, testValues(), strings.ToUpper(sig)))
}

func TestVerify_Rejects(t *testing.T) {
	key := []byte("secret")
	sig := Compute(key, testFields, testValues())

	tampered := testValues()
	tampered["amount"] = "1.00"
	assert.False(t, Verify(key, testFields, tampered, sig))

	assert.False(t, Verify([]byte("other"), testFields, testValues(), sig))
	assert.False(t, Verify(key, testFields, testValues(), ""))
	assert.False(t, Verify(key, testFields, testValues(), "deadbeef"))
}
