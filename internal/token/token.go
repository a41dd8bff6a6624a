// Package token signs and verifies the stream/resume tokens. A token carries
// the full run payload (user, query, project snapshot) so a deferred run can
// be resumed by any process holding the shared secret.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpired marks a token past its exp claim.
	ErrExpired = errors.New("token expired")
	// ErrInvalid covers every other verification failure.
	ErrInvalid = errors.New("invalid token")
)

// Signer issues and checks HS256 tokens with a fixed TTL.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a signer. ttl bounds how long a resume token stays usable.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Sign embeds payload plus iat/exp claims and returns the compact token.
func (s *Signer) Sign(payload map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(s.ttl).Unix()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the embedded payload
// with the standard claims stripped.
func (s *Signer) Verify(tok string) (map[string]any, error) {
	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	payload := make(map[string]any, len(claims))
	for k, v := range claims {
		if k == "iat" || k == "exp" {
			continue
		}
		payload[k] = v
	}
	return payload, nil
}

// VerifyInto decodes the token payload into a typed struct via its JSON tags.
func (s *Signer) VerifyInto(tok string, v any) error {
	payload, err := s.Verify(tok)
	if err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("re-encode claims: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode claims: %w", err)
	}
	return nil
}

// SignValue is the typed counterpart of Sign: v is flattened through its JSON
// tags into the claim set.
func (s *Signer) SignValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return "", fmt.Errorf("flatten payload: %w", err)
	}
	return s.Sign(payload)
}
