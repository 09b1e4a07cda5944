package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRejected is returned when a presented credential fails verification.
var ErrAuthRejected = errors.New("auth rejected")

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID   string
	Username string
}

// TokenVerifier checks a bearer credential presented at handshake time.
// This interface decouples the gateway from how tokens are minted.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier validates HS256-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
}

type sessionClaims struct {
	Username string `json:"name"`
	jwt.RegisteredClaims
}

// NewJWTVerifier constructs a verifier for HS256 tokens signed with secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("realtime: empty JWT secret")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the token, returning the embedded identity.
// The user id comes from the registered "sub" claim, the display name from "name".
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	claims := &sessionClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrAuthRejected)
	}

	name := claims.Username
	if name == "" {
		name = sub
	}
	return Identity{UserID: sub, Username: name}, nil
}

// StaticVerifier maps literal tokens to identities. Test/dev use only.
type StaticVerifier map[string]Identity

// Verify looks the token up in the static map.
func (v StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := v[token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrAuthRejected)
	}
	return id, nil
}

// BearerToken extracts the credential from an "Authorization" value of the
// form "Bearer <token>". The gateway reads it from the handshake query string.
func BearerToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return "", fmt.Errorf("%w: missing bearer credential", ErrAuthRejected)
	}
	tok := strings.TrimSpace(strings.TrimPrefix(raw, prefix))
	if tok == "" {
		return "", fmt.Errorf("%w: empty bearer credential", ErrAuthRejected)
	}
	return tok, nil
}
