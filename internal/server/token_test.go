package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"hash"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// signToken forges a compact JWT the way an upstream issuer would.
func signToken(t *testing.T, alg, secret string, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(map[string]string{"alg": alg, "typ": "JWT"})
	require.NoError(t, err)
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)

	signing := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)

	var mac hash.Hash
	switch alg {
	case "HS256":
		mac = hmac.New(sha256.New, []byte(secret))
	case "HS384":
		mac = hmac.New(sha512.New384, []byte(secret))
	case "HS512":
		mac = hmac.New(sha512.New, []byte(secret))
	default:
		t.Fatalf("unsupported test algorithm %q", alg)
	}
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyTokenValid(t *testing.T) {
	token := signToken(t, "HS256", testSecret, map[string]any{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifyToken(token, testSecret, "HS256")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifyTokenNoExpiry(t *testing.T) {
	// Tokens without exp/nbf are accepted; only present claims are enforced.
	token := signToken(t, "HS512", testSecret, map[string]any{"sub": "svc"})

	claims, err := verifyToken(token, testSecret, "HS512")
	require.NoError(t, err)
	assert.Equal(t, "svc", claims.Subject)
}

func TestVerifyTokenAlgorithmMismatch(t *testing.T) {
	token := signToken(t, "HS512", testSecret, map[string]any{"sub": "user-1"})

	_, err := verifyToken(token, testSecret, "HS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing algorithm")
}

func TestVerifyTokenBadSignature(t *testing.T) {
	token := signToken(t, "HS256", "some-other-secret", map[string]any{"sub": "user-1"})

	_, err := verifyToken(token, testSecret, "HS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestVerifyTokenExpired(t *testing.T) {
	token := signToken(t, "HS256", testSecret, map[string]any{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := verifyToken(token, testSecret, "HS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestVerifyTokenNotYetValid(t *testing.T) {
	token := signToken(t, "HS256", testSecret, map[string]any{
		"sub": "user-1",
		"nbf": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifyToken(token, testSecret, "HS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet valid")
}

func TestVerifyTokenMalformed(t *testing.T) {
	for _, token := range []string{
		"",
		"only.two",
		"not-a-token",
		"a.b.c.d",
		"!!!.###.$$$",
	} {
		_, err := verifyToken(token, testSecret, "HS256")
		assert.ErrorIs(t, err, errInvalidToken, "token %q", token)
	}
}

func TestVerifyTokenTamperedClaims(t *testing.T) {
	token := signToken(t, "HS256", testSecret, map[string]any{"sub": "user-1"})

	// Swap the claims segment while keeping the original signature.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin"}`))
	tampered := strings.Join(parts, ".")

	_, err := verifyToken(tampered, testSecret, "HS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}
