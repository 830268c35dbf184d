// ABOUTME: JWT token issue and verification for authenticating agent requests
// ABOUTME: Uses HS256 signing with configurable secret and a revocation hook

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrRevokedToken = errors.New("token revoked")
)

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	AgentID string
	Role    string
}

// RevocationChecker reports whether an agent's tokens have been revoked.
// The lifecycle manager implements this: terminated agents fail auth.
type RevocationChecker interface {
	IsRevoked(agentID string) bool
}

// TokenManager issues and verifies HS256 signed JWTs for agents.
type TokenManager struct {
	secret  []byte
	ttl     time.Duration
	revoked RevocationChecker
}

// NewTokenManager creates a token manager with the given secret and token TTL.
// revoked may be nil, in which case no revocation check is performed.
func NewTokenManager(secret []byte, ttl time.Duration, revoked RevocationChecker) *TokenManager {
	return &TokenManager{secret: secret, ttl: ttl, revoked: revoked}
}

// Issue creates a new JWT for the given agent with role claim and expiration.
func (m *TokenManager) Issue(agentID, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  agentID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(m.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify validates the token, checks revocation, and extracts the identity.
func (m *TokenManager) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	if m.revoked != nil && m.revoked.IsRevoked(sub) {
		return nil, ErrRevokedToken
	}

	return &Identity{AgentID: sub, Role: role}, nil
}
