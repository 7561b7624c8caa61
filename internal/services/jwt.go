package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"satoshiflip-backend/internal/config"
)

const TokenTTL = 24 * time.Hour

type Claims struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// JWTService verifies session tokens minted by the identity provider. Both
// sides share one HMAC secret.
type JWTService struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{
		secret: []byte(cfg.JWTSecret),
		ttl:    TokenTTL,
	}
}

func (s *JWTService) GenerateToken(userID, displayName string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		SessionID:   uuid.NewString(),
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user_id", ErrUnauthenticated)
	}
	return claims, nil
}
