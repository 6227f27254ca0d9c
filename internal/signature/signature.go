// Package signature signs outbound payloads and verifies them on receipt.
//
// The signed string is "{timestamp}.{body}" and the header value is
// "sha256=<hex HMAC-SHA256>".
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	Algorithm    = "sha256"
	SecretPrefix = "whsec_"
	secretBytes  = 32 // 256-bit
)

var (
	ErrMissingHeaders         = errors.New("missing signature or timestamp header")
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideLeeway = errors.New("timestamp too far from now")
	ErrUnsupportedAlgorithm   = errors.New("unsupported signature algorithm")
	ErrSignatureMismatch      = errors.New("signature mismatch")
)

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	return Algorithm + "=" + hex.EncodeToString(compute(secret, strconv.FormatInt(timestamp, 10), body))
}

// Verify checks a received signature header. A zero leeway disables the
// timestamp window check.
func Verify(secret, timestamp, header string, body []byte, now time.Time, leeway time.Duration) error {
	if timestamp == "" || header == "" {
		return ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if leeway > 0 {
		skew := now.Unix() - unix
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(leeway.Seconds()) {
			return ErrTimestampOutsideLeeway
		}
	}
	alg, got, ok := strings.Cut(header, "=")
	if !ok || alg != Algorithm {
		return ErrUnsupportedAlgorithm
	}
	gotMAC, err := hex.DecodeString(got)
	if err != nil {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(gotMAC, compute(secret, timestamp, body)) {
		return ErrSignatureMismatch
	}
	return nil
}

// GenerateSecret returns a new random endpoint secret.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func compute(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
