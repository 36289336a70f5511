// Package meta holds what the WhatsApp, Instagram and Facebook adapters share:
// X-Hub-Signature-256 verification, the hub.* subscription handshake, the
// Messenger webhook envelope and the Graph API client.
package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukex/courier/pkg/providers"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// Sign returns the X-Hub-Signature-256 value of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the X-Hub-Signature-256 header against the app secret.
func VerifySignature(header http.Header, body []byte, secret string) error {
	signature := header.Get(SignatureHeader)
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return providers.ErrInvalidSignature
	}

	given, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrInvalidSignature, err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	if !hmac.Equal(given, mac.Sum(nil)) {
		return providers.ErrInvalidSignature
	}

	return nil
}

// Challenge answers the hub.mode=subscribe handshake when hub.verify_token matches.
func Challenge(query url.Values, verifyToken string) (string, error) {
	if query.Get("hub.mode") != "subscribe" {
		return "", providers.ErrChallengeUnsupported
	}

	if verifyToken == "" || query.Get("hub.verify_token") != verifyToken {
		return "", providers.ErrChallengeFailed
	}

	return query.Get("hub.challenge"), nil
}
