package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ParticipantClaims defines the custom claims for coordinator API callers.
// Subject carries the participant (or approver / admin) identifier.
type ParticipantClaims struct {
	jwt.RegisteredClaims
	GroupIDs []string `json:"group_ids,omitempty"`
	Role     string   `json:"role,omitempty"`
}

const (
	RoleParticipant = "participant"
	RoleApprover    = "approver"
	RoleAdmin       = "admin"
)

// JWTManager handles JWT generation and validation
type JWTManager struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
}

// NewJWTManager creates a new JWTManager
func NewJWTManager(secretKey string, issuer string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
	}
}

// Generate creates a new JWT token for the given subject.
func (m *JWTManager) Generate(subject, role string, groupIDs []string) (string, error) {
	claims := ParticipantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    m.issuer,
			Subject:   subject,
		},
		GroupIDs: groupIDs,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validate validates the JWT token and returns the claims
func (m *JWTManager) Validate(tokenString string) (*ParticipantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ParticipantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})

	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(*ParticipantClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// MemberOf reports whether the token grants access to the given group.
// Admin tokens and tokens without a group restriction pass for any group.
func (c *ParticipantClaims) MemberOf(groupID string) bool {
	if c.Role == RoleAdmin || len(c.GroupIDs) == 0 {
		return true
	}
	for _, g := range c.GroupIDs {
		if g == groupID {
			return true
		}
	}
	return false
}
