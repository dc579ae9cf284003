// Package auth verifies the signed bearer tokens the host issues for its
// users. The engine only needs the caller's id.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Tokens signs and verifies payload.signature tokens with HMAC-SHA256.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Issue mints a token for userID. Used by tests and local tooling; production
// tokens come from the host.
func (t *Tokens) Issue(userID, name string, ttl time.Duration) (string, error) {
	claims := Claims{
		Sub:  userID,
		Name: name,
		JTI:  uuid.NewString(),
		Exp:  t.now().Add(ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + t.sign(payload), nil
}

// Parse returns the claims of a valid, unexpired token.
func (t *Tokens) Parse(token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(t.sign(payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if t.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// CurrentUserID resolves a bearer token to the user it was issued for.
func (t *Tokens) CurrentUserID(token string) (string, error) {
	claims, err := t.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}

func (t *Tokens) sign(payload string) string {
	sum := hmac.New(sha256.New, t.secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
