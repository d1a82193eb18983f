// Package auth verifies the signed HMAC tokens presented by producers and
// consumers, and derives the stable consumer-ID a token addresses.
package auth

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecrets is returned when a verifier is constructed without key material.
var ErrNoSecrets = errors.New("auth: at least one token secret is required")

// userIDPattern is the only accepted shape for a consumer's user identity.
var userIDPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

// Claims are the token claims the gateway cares about. A consumer token
// carries UserID, a producer token carries ProducerID.
type Claims struct {
	UserID     string `json:"userId,omitempty"`
	ProducerID string `json:"producerId,omitempty"`
	Source     string `json:"source,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens against a rotating set of secrets. The
// first secret signs, every secret verifies.
type Verifier struct {
	secrets   [][]byte
	expiresIn time.Duration
}

// NewVerifier builds a verifier. expiresIn is the default lifetime applied
// when signing a token with no explicit expiry.
func NewVerifier(secrets []string, expiresIn time.Duration) (*Verifier, error) {
	if len(secrets) == 0 {
		return nil, ErrNoSecrets
	}
	keys := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		keys = append(keys, []byte(s))
	}
	return &Verifier{secrets: keys, expiresIn: expiresIn}, nil
}

// Verify parses and validates a signed token, trying each secret in turn.
func (v *Verifier) Verify(token string) (*Claims, error) {
	var lastErr error
	for _, key := range v.secrets {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("invalid token: %w", lastErr)
}

// Sign issues a token for the given claims using the primary secret. Used by
// tests and by operators minting producer credentials out of band.
func (v *Verifier) Sign(claims *Claims) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(v.expiresIn))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secrets[0])
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidUserID reports whether id is an acceptable consumer user identity.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// ConsumerID derives the stable queue address for a consumer session. The ID
// is a platform prefix plus the URL-safe base64 of the user identity and the
// token expiry, so reconnecting with the same token lands on the same queue.
func ConsumerID(claims *Claims) (string, error) {
	if !ValidUserID(claims.UserID) {
		return "", errors.New("userId is required")
	}
	source := "t"
	if s := strings.ToLower(claims.Source); s != "" && strings.ContainsAny(s[:1], "aiwt") {
		source = s[:1]
	}

	var exp int64
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Unix()
	}
	ts := strconv.FormatInt(exp, 16)
	if len(ts)%2 == 1 {
		ts = "0" + ts
	}
	raw, err := hex.DecodeString(claims.UserID + ts)
	if err != nil {
		return "", fmt.Errorf("failed to derive consumer id: %w", err)
	}
	return source + "." + encodeID(raw), nil
}

// ConnID derives a producer connection ID from the raw token bytes.
func ConnID(token string) string {
	sum := md5.Sum([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IDSource decodes the client platform from a consumer-ID prefix.
func IDSource(consumerID string) string {
	switch {
	case strings.HasPrefix(consumerID, "a."):
		return "android"
	case strings.HasPrefix(consumerID, "i."):
		return "ios"
	}
	return "web"
}

// encodeID makes a cookie-safe base64 variant: '/'->'_', '+'->'-', '='->'~'.
func encodeID(raw []byte) string {
	id := base64.StdEncoding.EncodeToString(raw)
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "+", "-")
	return strings.ReplaceAll(id, "=", "~")
}
