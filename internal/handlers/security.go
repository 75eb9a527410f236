package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

const (
	signatureHeader = "X-Signature"
	maxTriggerBody  = 64 << 10
)

// validateSignature checks X-Signature against HMAC-SHA256(body, secret).
// If the secret is empty, validation is skipped (returns true).
func validateSignature(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	sig := strings.TrimPrefix(r.Header.Get(signatureHeader), "sha256=")
	if sig == "" {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		return false
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body)) // restore for downstream handlers

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// RequireSignature guards service-to-service trigger endpoints.
func (h *Handler) RequireSignature(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validateSignature(r, h.WebhookSecret) {
			writeError(w, http.StatusUnauthorized, "invalid_signature", "missing or invalid request signature")
			return
		}
		next(w, r)
	}
}
