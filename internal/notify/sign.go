package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign mirrors the teacher's webhooks.SignPayload: HMAC-SHA256 over the raw
// body, hex-encoded.
func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
