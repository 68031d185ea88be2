package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789"

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := NewVerifier(testSecret)

	token, err := v.Issue(Identity{Subject: "user_1", Role: RoleProvider, Email: "p@example.com"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", id.Subject)
	assert.Equal(t, RoleProvider, id.Role)
	assert.Equal(t, "p@example.com", id.Email)
	assert.False(t, id.IsAdmin())
}

func TestVerifier_RoleFromTopLevelClaim(t *testing.T) {
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops_1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	id, err := NewVerifier(testSecret).Verify(token)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())
}

func TestVerifier_UnknownRoleDefaultsToClient(t *testing.T) {
	claims := Claims{
		Role: "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_2",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	id, err := NewVerifier(testSecret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleClient, id.Role)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier(testSecret)
	good, err := v.Issue(Identity{Subject: "user_1", Role: RoleClient}, time.Hour)
	require.NoError(t, err)

	expired, err := NewVerifier(testSecret).
		WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }).
		Issue(Identity{Subject: "user_1", Role: RoleClient}, time.Hour)
	require.NoError(t, err)

	otherKey, err := NewVerifier("another-secret").Issue(Identity{Subject: "user_1"}, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user_1"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"bearer only", "Bearer ", ErrNoToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong secret", otherKey, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"no expiry", noExpiry, ErrInvalidToken},
		{"tampered", good + "x", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifier_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user_1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
