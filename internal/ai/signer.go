package ai

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Header names of the signed task API.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// Sign returns hex(HMAC-SHA256(key=apiKey, msg=secret+nonce)).
func Sign(apiKey, secret, nonce string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(secret + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Nonce is the current unix time in seconds.
func Nonce(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}

// signedHeaders builds the three auth headers for one request.
func signedHeaders(apiKey, secret string, now time.Time) map[string]string {
	nonce := Nonce(now)
	return map[string]string{
		HeaderAPIKey:    apiKey,
		HeaderNonce:     nonce,
		HeaderSignature: Sign(apiKey, secret, nonce),
	}
}
