package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header Meta platforms use to sign deliveries.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// VerifyChallenge returns (challenge, true) iff mode is "subscribe" and token
// equals the configured verify token.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(verifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// Sign returns the header value for body under secret: "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature computes HMAC-SHA256 over the raw body keyed by secret and
// compares it to header in constant time. The "sha256=" prefix is optional.
func VerifySignature(body []byte, header, secret string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if len(header) >= len(signaturePrefix) && strings.EqualFold(header[:len(signaturePrefix)], signaturePrefix) {
		header = header[len(signaturePrefix):]
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
