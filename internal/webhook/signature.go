/**
 * @description
 * Signature verification for gateway callbacks. The gateway signs with the
 * Svix scheme: HMAC-SHA256 over "<msg id>.<unix timestamp>.<raw body>" keyed
 * by the base64 part of a "whsec_" secret, sent as space separated
 * "v1,<base64>" entries.
 */
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSecret    = errors.New("webhook signing secret is not configured")
	ErrMissingHeaders   = errors.New("missing webhook signature headers")
	ErrTimestampTooOld  = errors.New("webhook timestamp outside tolerance")
	ErrInvalidTimestamp = errors.New("invalid webhook timestamp")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

const (
	secretPrefix = "whsec_"

	// DefaultTimestampSkew bounds replay of captured callbacks.
	DefaultTimestampSkew = 5 * time.Minute
)

// Verifier checks callback signatures against a shared secret.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a verifier for the given secret. An empty secret yields a
// verifier that rejects every request with ErrMissingSecret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		key:       decodeSecret(secret),
		tolerance: DefaultTimestampSkew,
		now:       time.Now,
	}
}

func decodeSecret(secret string) []byte {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	trimmed := strings.TrimPrefix(secret, secretPrefix)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) > 0 {
		return decoded
	}
	return []byte(trimmed)
}

// Verify validates the signature headers for body.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	if len(v.key) == 0 {
		return ErrMissingSecret
	}

	msgID := firstHeader(header, "svix-id", "webhook-id")
	timestamp := firstHeader(header, "svix-timestamp", "webhook-timestamp")
	signatures := firstHeader(header, "svix-signature", "webhook-signature")
	if msgID == "" || timestamp == "" || signatures == "" {
		return ErrMissingHeaders
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	sent := time.Unix(unix, 0)
	now := v.now()
	if now.Sub(sent) > v.tolerance || sent.Sub(now) > v.tolerance {
		return ErrTimestampTooOld
	}

	expected := v.sign(msgID, timestamp, body)
	for _, entry := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		provided, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign produces a signature header value for msgID sent at the given time.
func (v *Verifier) Sign(msgID string, at time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.sign(msgID, strconv.FormatInt(at.Unix(), 10), body))
}

func (v *Verifier) sign(msgID, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(msgID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func firstHeader(header http.Header, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
