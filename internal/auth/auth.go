// Package auth verifies caller identity.
//
// Authentication model:
//   - App and admin console calls carry an HS256 access token issued by the
//     identity provider; the subject claim is the user id.
//   - Admin routes additionally require the admin role in user_roles.
//   - The checkout service calls internal routes with a shared key.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/reuni/disputes/internal/idgen"
)

var (
	ErrMissingToken = errors.New("access token required")
	ErrInvalidToken = errors.New("invalid access token")
	ErrExpiredToken = errors.New("access token expired")
)

// Claims are the access token claims this service relies on.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates access tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses tokenString and returns the normalized user id.
func (v *Verifier) Verify(tokenString string) (string, *Claims, error) {
	if tokenString == "" {
		return "", nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", nil, ErrExpiredToken
		}
		return "", nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", nil, ErrInvalidToken
	}
	userID := idgen.Normalize(claims.Subject)
	if userID == "" {
		return "", nil, ErrInvalidToken
	}
	return userID, claims, nil
}

// Issue signs a token for userID. Used by local tooling and tests; real
// tokens come from the identity provider.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// KeyMatches compares a presented internal key in constant time.
func KeyMatches(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
