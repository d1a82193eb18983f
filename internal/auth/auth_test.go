package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "5f5e4f1b2a3c4d5e6f708192"

func newTestVerifier(t *testing.T, secrets ...string) *Verifier {
	t.Helper()
	if len(secrets) == 0 {
		secrets = []string{"test-secret"}
	}
	v, err := NewVerifier(secrets, time.Hour)
	require.NoError(t, err)
	return v
}

func TestNewVerifierRequiresSecrets(t *testing.T) {
	_, err := NewVerifier(nil, time.Hour)
	assert.ErrorIs(t, err, ErrNoSecrets)
}

func TestSignAndVerify(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(&Claims{UserID: testUserID, Source: "ios"})
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, testUserID, claims.UserID)
	assert.Equal(t, "ios", claims.Source)
}

func TestVerifyWrongKey(t *testing.T) {
	signer := newTestVerifier(t, "secret-a")
	verifier := newTestVerifier(t, "secret-b")

	token, err := signer.Sign(&Claims{ProducerID: "p1"})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRotatedSecrets(t *testing.T) {
	old := newTestVerifier(t, "old-secret")
	rotated := newTestVerifier(t, "new-secret", "old-secret")

	token, err := old.Sign(&Claims{ProducerID: "p1"})
	require.NoError(t, err)

	claims, err := rotated.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "p1", claims.ProducerID)
}

func TestVerifyExpired(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(&Claims{
		UserID: testUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestConsumerIDDeterministic(t *testing.T) {
	exp := jwt.NewNumericDate(time.Unix(1700000000, 0))
	claims := &Claims{
		UserID:           testUserID,
		Source:           "android",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp},
	}

	id1, err := ConsumerID(claims)
	require.NoError(t, err)
	id2, err := ConsumerID(claims)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) >= 24)

	// Cookie-safe alphabet only.
	assert.NotContains(t, id1, "/")
	assert.NotContains(t, id1, "+")
	assert.NotContains(t, id1, "=")
}

func TestConsumerIDSourcePrefix(t *testing.T) {
	exp := jwt.NewNumericDate(time.Unix(1700000000, 0))

	cases := map[string]string{
		"android":    "a.",
		"ios":        "i.",
		"teambition": "t.",
		"":           "t.",
		"unknown":    "t.",
	}
	for source, prefix := range cases {
		claims := &Claims{
			UserID:           testUserID,
			Source:           source,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp},
		}
		id, err := ConsumerID(claims)
		require.NoError(t, err)
		assert.Equal(t, prefix, id[:2], "source %q", source)
	}
}

func TestConsumerIDRequiresUserID(t *testing.T) {
	_, err := ConsumerID(&Claims{UserID: "not-hex"})
	assert.Error(t, err)

	_, err = ConsumerID(&Claims{})
	assert.Error(t, err)
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID(testUserID))
	assert.False(t, ValidUserID("5F5E4F1B2A3C4D5E6F708192")) // uppercase
	assert.False(t, ValidUserID("abc"))
	assert.False(t, ValidUserID(""))
}

func TestConnIDStable(t *testing.T) {
	assert.Equal(t, ConnID("token-1"), ConnID("token-1"))
	assert.NotEqual(t, ConnID("token-1"), ConnID("token-2"))
	assert.Len(t, ConnID("token-1"), 32)
}

func TestIDSource(t *testing.T) {
	assert.Equal(t, "android", IDSource("a.Xq=="))
	assert.Equal(t, "ios", IDSource("i.Xq=="))
	assert.Equal(t, "web", IDSource("t.Xq=="))
	assert.Equal(t, "web", IDSource("w.Xq=="))
	assert.Equal(t, "web", IDSource("bogus"))
}
