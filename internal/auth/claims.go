// Package auth defines the bearer token shared by the signaling server and
// its clients.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/poll-signaling/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims represents the claims carried by a signaling token.
type Claims struct {
	UserID    string `json:"user_id"`
	NumericID int64  `json:"uid"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Profile returns the user described by the claims.
func (c *Claims) Profile() models.UserProfile {
	return models.UserProfile{
		UserID:    c.UserID,
		NumericID: c.NumericID,
		Name:      c.Name,
		Role:      c.Role,
	}
}

// Issue signs an HS256 token for p valid for ttl.
func Issue(secret string, p models.UserProfile, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    p.UserID,
		NumericID: p.NumericID,
		Name:      p.Name,
		Role:      p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates tokenString against secret.
func Parse(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseUnverified decodes the claims without checking the signature.
// Clients use it to learn their own identity from the token they hold.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
