package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret directly instead of an HMAC.
// Some server configurations can only send a static header.
const SecretHeader = "X-Sonar-Webhook-Secret" // #nosec G101 -- header name, not a credential

// ErrBadSignature is returned when no accepted header authenticates the body.
var ErrBadSignature = errors.New("webhook: signature verification failed")

// Verifier authenticates callback bodies. Two forms are accepted: a
// hex-encoded HMAC-SHA256 of the raw body in any of the configured
// signature headers (with or without a "sha256=" prefix), or the shared
// secret itself in the secret header. Every configured header is tried.
type Verifier struct {
	secret  []byte
	headers []string
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string, headers []string) *Verifier {
	if len(headers) == 0 {
		headers = []string{"X-Sonar-Webhook-HMAC-SHA256", "X-Hub-Signature-256"}
	}
	return &Verifier{secret: []byte(secret), headers: headers}
}

// Verify checks the request headers against the body. A missing secret
// configuration rejects everything: an unauthenticated intake is worse
// than a dead one.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	if len(v.secret) == 0 {
		return errors.New("webhook: no secret configured")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	for _, name := range v.headers {
		got := strings.TrimSpace(h.Get(name))
		if got == "" {
			continue
		}
		got = strings.TrimPrefix(got, "sha256=")
		if hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
			return nil
		}
	}

	if got := h.Get(SecretHeader); got != "" {
		if subtle.ConstantTimeCompare([]byte(got), v.secret) == 1 {
			return nil
		}
	}

	return ErrBadSignature
}
