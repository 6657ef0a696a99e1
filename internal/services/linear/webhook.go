package linear

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// VerifySignature checks the Linear-Signature header: a hex-encoded
// HMAC-SHA256 digest of the raw request body signed with the webhook
// secret.
func VerifySignature(rawBody []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyTimestamp checks the webhook timestamp (unix millis) against the
// allowed clock skew. A zero timestamp passes (older webhook versions omit
// it).
func VerifyTimestamp(webhookTimestampMillis int64, maxAge time.Duration) bool {
	if webhookTimestampMillis == 0 {
		return true
	}
	age := time.Since(time.UnixMilli(webhookTimestampMillis))
	if age < 0 {
		age = -age
	}
	return age <= maxAge
}
