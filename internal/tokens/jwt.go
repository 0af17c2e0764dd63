package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrWrongTokenUse = errors.New("token not valid for this use")
)

type TokenType string

const (
	Access  TokenType = "access"
	Refresh TokenType = "refresh"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 7 * 24 * time.Hour
)

// wireClaims is the JWT payload shape. It stays private; verified callers
// get an Identity with parsed domain types instead of raw claim strings.
type wireClaims struct {
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Identity is the authenticated operator carried by a verified token. Role
// feeds the supervisor override checks downstream.
type Identity struct {
	OperatorID uuid.UUID
	Role       string
	TokenID    string
	Type       TokenType
}

type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

func (m *Manager) GenerateAccessToken(operatorID uuid.UUID, role string) (string, error) {
	return m.generate(operatorID, role, Access, accessTTL)
}

func (m *Manager) GenerateRefreshToken(operatorID uuid.UUID, role string) (string, error) {
	return m.generate(operatorID, role, Refresh, refreshTTL)
}

func (m *Manager) generate(operatorID uuid.UUID, role string, tokenType TokenType, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := wireClaims{
		Role:      role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Subject:   operatorID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Kid kept for future key rotation, single key today.
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

// ValidateAccess verifies the token and returns the operator identity.
// Refresh tokens presented as request credentials are rejected.
func (m *Manager) ValidateAccess(tokenString string) (*Identity, error) {
	id, err := m.validate(tokenString)
	if err != nil {
		return nil, err
	}
	if id.Type != Access {
		return nil, ErrWrongTokenUse
	}
	return id, nil
}

// ValidateRefresh is the counterpart for the token exchange flow.
func (m *Manager) ValidateRefresh(tokenString string) (*Identity, error) {
	id, err := m.validate(tokenString)
	if err != nil {
		return nil, err
	}
	if id.Type != Refresh {
		return nil, ErrWrongTokenUse
	}
	return id, nil
}

func (m *Manager) validate(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &wireClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*wireClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	operatorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}

	return &Identity{
		OperatorID: operatorID,
		Role:       claims.Role,
		TokenID:    claims.ID,
		Type:       claims.TokenType,
	}, nil
}
