package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type staffClaims struct {
	StaffID string `json:"staff_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for the provided staff user ID.
func GenerateToken(secret string, staffID uuid.UUID, ttl time.Duration) (string, error) {
	claims := &staffClaims{
		StaffID: staffID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staffID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates the token and returns the embedded staff user ID.
func ParseToken(secret, tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &staffClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	if claims, ok := token.Claims.(*staffClaims); ok && token.Valid {
		return uuid.Parse(claims.StaffID)
	}

	return uuid.Nil, jwt.ErrTokenInvalidClaims
}
