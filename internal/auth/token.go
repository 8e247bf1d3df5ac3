package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
)

// Role is a principal's global role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// TokenType separates short-lived access tokens from refresh tokens; a
// refresh token never authenticates a request directly.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the bearer token payload. Subject carries the user id.
type Claims struct {
	Email string    `json:"email"`
	Role  Role      `json:"role"`
	Type  TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a symmetric secret.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewIssuer(cfg config.AuthSettings) *Issuer {
	return &Issuer{
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
}

// TokenPair is what login and register hand out.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (i *Issuer) IssuePair(userID string, email string, role Role) (TokenPair, error) {
	access, err := i.issue(userID, email, role, TokenAccess, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.issue(userID, email, role, TokenRefresh, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *Issuer) IssueAccess(userID string, email string, role Role) (string, error) {
	return i.issue(userID, email, role, TokenAccess, i.accessTTL)
}

func (i *Issuer) issue(userID, email string, role Role, typ TokenType, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "sign token")
	}
	return signed, nil
}

// Verify parses and validates a token and checks it is of the wanted
// type. All failures are Unauthenticated; the caller never learns why.
func (i *Issuer) Verify(tokenStr string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.E(apperr.Unauthenticated, "unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.E(apperr.Unauthenticated, "invalid or expired token")
	}
	if claims.Type != want {
		return nil, apperr.E(apperr.Unauthenticated, "wrong token type")
	}
	return claims, nil
}
