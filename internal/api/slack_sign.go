package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"time"
)

const slackTimestampTolerance = 5 * time.Minute

// verifySlackSignature reimplements Slack's v0 signing scheme: a keyed
// HMAC-SHA256 over "v0:{timestamp}:{body}", with the timestamp checked
// against a 5-minute window to reject replayed requests (spec.md §6).
func verifySlackSignature(secret string, body []byte, timestamp, signature string) bool {
	if secret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(time.Since(time.Unix(ts, 0)).Seconds()) > slackTimestampTolerance.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
