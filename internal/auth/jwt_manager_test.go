package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-testing-purposes-only"

func TestNewJWTManager(t *testing.T) {
	originalSecret, hadSecret := os.LookupEnv("JWT_SECRET")
	defer func() {
		if hadSecret {
			os.Setenv("JWT_SECRET", originalSecret)
		} else {
			os.Unsetenv("JWT_SECRET")
		}
	}()

	os.Unsetenv("JWT_SECRET")
	_, err := NewJWTManager()
	assert.ErrorIs(t, err, ErrMissingSecret)

	os.Setenv("JWT_SECRET", testSecret)
	manager, err := NewJWTManager()
	require.NoError(t, err)
	assert.Equal(t, "HS256", manager.algorithm)
}

func TestJWTManager_RoundTrip(t *testing.T) {
	manager, err := NewJWTManagerWithSecret(testSecret)
	require.NoError(t, err)

	token, err := manager.GenerateToken(context.Background(), "user-1", "dev@example.com", []string{"user"}, time.Hour)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "dev@example.com", claims.Username)
	assert.Equal(t, []string{"user"}, claims.Roles)
	assert.Equal(t, "user-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTManager_ValidateToken(t *testing.T) {
	manager, err := NewJWTManagerWithSecret(testSecret)
	require.NoError(t, err)
	other, err := NewJWTManagerWithSecret("another-secret")
	require.NoError(t, err)

	expired, err := manager.GenerateToken(context.Background(), "user-1", "dev", nil, -time.Minute)
	require.NoError(t, err)
	foreign, err := other.GenerateToken(context.Background(), "user-1", "dev", nil, time.Hour)
	require.NoError(t, err)

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	wrongIssuerToken, err := wrongIssuer.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "expired", token: expired},
		{name: "signed_with_other_secret", token: foreign},
		{name: "wrong_issuer", token: wrongIssuerToken},
		{name: "unsigned", token: noneToken},
		{name: "garbage", token: "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.ValidateToken(context.Background(), tt.token)
			assert.Error(t, err)
		})
	}
}
