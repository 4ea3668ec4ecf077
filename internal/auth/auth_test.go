package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-at-least-32-characters"

func TestVerify_RoundTrip(t *testing.T) {
	v := NewVerifier(testSecret)
	token, err := v.Issue("Buyer-ABC", time.Hour)
	require.NoError(t, err)

	userID, claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "buyer-abc", userID)
	assert.Equal(t, "Buyer-ABC", claims.Subject)
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier(testSecret)

	_, _, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, _, err = v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, _ := NewVerifier("another-secret-with-32-characters!!").Issue("buyer-1", time.Hour)
	_, _, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _ := v.Issue("buyer-1", -time.Hour)
	_, _, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	noSubject, _ := v.Issue("", time.Hour)
	_, _, err = v.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	v := NewVerifier(testSecret)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "buyer-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, _, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestKeyMatches(t *testing.T) {
	assert.True(t, KeyMatches("k1", "k1"))
	assert.False(t, KeyMatches("k2", "k1"))
	assert.False(t, KeyMatches("", ""), "empty key disables internal routes")
}
