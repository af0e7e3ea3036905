package service

import (
	"fmt"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================
// Access tokens (HS256)
// ============================================================

const tokenIssuer = "giftvault-bfa"

// JWTClaims represents the custom claims in access tokens.
type JWTClaims struct {
	Sub   string `json:"sub"`
	Role  string `json:"role"`
	Phone string `json:"phone"`
	Type  string `json:"type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL is the lifetime of issued tokens.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Sign issues an access token for user.
func (t *TokenIssuer) Sign(user *domain.User) (string, error) {
	now := t.now()
	claims := JWTClaims{
		Sub:   user.ID,
		Role:  string(user.Role),
		Phone: user.Phone,
		Type:  "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses and checks an access token.
func (t *TokenIssuer) Validate(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(tk *jwt.Token) (any, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tk.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "Invalid or expired token"}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "Invalid token"}
	}
	if claims.Type != "access" {
		return nil, &domain.ErrUnauthorized{Message: "Invalid token type"}
	}
	if claims.Sub == "" {
		return nil, &domain.ErrUnauthorized{Message: "Invalid token subject"}
	}
	return claims, nil
}
