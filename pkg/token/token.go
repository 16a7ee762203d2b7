// Package token issues stateless magic-link capabilities: a signed,
// self-contained grant to manage one pledge without an account. There is
// no server-side session and no revocation; expiry and the pledge's own
// terminal states bound the damage of a leaked link.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fundlane/fundlane/pkg/model"
)

// Claims name the pledge a token grants access to. Verification alone is
// not authorization: callers must load the pledge and confirm the email
// and campaign match before permitting any mutation.
type Claims struct {
	OrderID      string `json:"orderId"`
	Email        string `json:"email"`
	CampaignSlug string `json:"campaign"`
	ExpiresAt    int64  `json:"exp"`
}

// Issue signs claims into a compact token: base64url(payload).base64url(mac)
func Issue(secret string, claims Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", model.ErrNotConfigured
	}

	claims.ExpiresAt = time.Now().Add(ttl).Unix()

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode token claims")
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	signature := base64.RawURLEncoding.EncodeToString(sign(secret, payload))

	return encoded + "." + signature, nil
}

// Verify checks the signature in constant time, then the expiry, and
// returns the decoded claims.
func Verify(secret, token string) (*Claims, error) {
	if secret == "" {
		return nil, model.ErrNotConfigured
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, model.ErrUnauthorized
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, model.ErrUnauthorized
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, model.ErrUnauthorized
	}

	if !hmac.Equal(signature, sign(secret, payload)) {
		return nil, model.ErrUnauthorized
	}

	claims := Claims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, model.ErrUnauthorized
	}

	if time.Now().Unix() >= claims.ExpiresAt {
		return nil, model.ErrUnauthorized
	}

	return &claims, nil
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
