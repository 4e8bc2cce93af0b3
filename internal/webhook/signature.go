package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

const (
	// HeaderSignature carries the plain hex HMAC digest.
	HeaderSignature = "X-Webhook-Signature"
	// HeaderSignature256 carries the GitHub-style "sha256=<hex>" digest.
	HeaderSignature256 = "X-Hub-Signature-256"

	headerOutboundSignature256 = "X-Webhook-Signature-256"
)

var (
	ErrMissingSignature = errors.New("webhook signature header missing")
	ErrInvalidSignature = errors.New("webhook signature mismatch")
)

// Sign computes the hex HMAC-SHA256 digest of the exact payload bytes.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value (with or without the
// "sha256=" prefix) against the payload using a constant-time comparison.
func VerifySignature(payload []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	header = strings.TrimPrefix(header, "sha256=")

	expected := Sign(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignatureFromHeaders picks the inbound signature header, preferring the
// provider-agnostic one.
func SignatureFromHeaders(headers http.Header) string {
	if sig := headers.Get(HeaderSignature); sig != "" {
		return sig
	}
	return headers.Get(HeaderSignature256)
}

// GenerateSecret returns a fresh subscription secret: 32 random bytes,
// hex encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
