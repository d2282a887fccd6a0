package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestValidateAccessToken(t *testing.T) {
	m := NewJWTManager(testSecret)

	signed := signToken(t, testSecret, Claims{
		UserID:      "user-1",
		DisplayName: "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := m.ValidateAccessToken(signed)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.UserID != "user-1" || claims.DisplayName != "Alice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateAccessTokenSubjectFallback(t *testing.T) {
	m := NewJWTManager(testSecret)

	signed := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-2",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := m.ValidateAccessToken(signed)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.UserID != "user-2" {
		t.Errorf("UserID = %q, want the subject fallback", claims.UserID)
	}
}

func TestValidateAccessTokenRejects(t *testing.T) {
	m := NewJWTManager(testSecret)

	expired := signToken(t, testSecret, Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if _, err := m.ValidateAccessToken(expired); err != ErrExpiredToken {
		t.Errorf("expired token: got err %v, want ErrExpiredToken", err)
	}

	wrongKey := signToken(t, "other-secret", Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if _, err := m.ValidateAccessToken(wrongKey); err != ErrInvalidToken {
		t.Errorf("wrong key: got err %v, want ErrInvalidToken", err)
	}

	if _, err := m.ValidateAccessToken("not-a-token"); err != ErrInvalidToken {
		t.Errorf("garbage token: got err %v, want ErrInvalidToken", err)
	}
}
