package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

// tokenClaims is the subset of JWT claims the service consumes.
type tokenClaims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	NotBefore int64  `json:"nbf"`
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var errInvalidToken = errors.New("invalid token")

// verifyToken checks a compact HMAC-signed JWT against the shared secret.
// The token's alg header must match the configured algorithm exactly; exp
// and nbf are enforced when present.
func verifyToken(token, secret, algorithm string) (*tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errInvalidToken
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errInvalidToken
	}
	if header.Alg != algorithm {
		return nil, fmt.Errorf("unexpected signing algorithm %q", header.Alg)
	}

	mac, err := newMAC(algorithm, secret)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errInvalidToken
	}
	if !hmac.Equal(signature, expected) {
		return nil, errors.New("signature mismatch")
	}

	claimBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(claimBytes, &claims); err != nil {
		return nil, errInvalidToken
	}

	now := time.Now().Unix()
	if claims.ExpiresAt != 0 && now >= claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if claims.NotBefore != 0 && now < claims.NotBefore {
		return nil, errors.New("token not yet valid")
	}

	return &claims, nil
}

func newMAC(algorithm, secret string) (hash.Hash, error) {
	switch algorithm {
	case "HS256":
		return hmac.New(sha256.New, []byte(secret)), nil
	case "HS384":
		return hmac.New(sha512.New384, []byte(secret)), nil
	case "HS512":
		return hmac.New(sha512.New, []byte(secret)), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
}
