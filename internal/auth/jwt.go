// Package auth resolves the caller identity from bearer tokens issued by the
// identity provider.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Auth errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the token claims the service relies on
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier from the auth config
func NewVerifier(cfg *config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwt_secret is not configured")
	}
	return &Verifier{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}, nil
}

// Verify parses the token and returns the caller it was issued to
func (v *Verifier) Verify(token string) (domain.Caller, error) {
	if token == "" {
		return domain.Caller{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Caller{}, ErrTokenExpired
		}
		return domain.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return domain.Caller{}, ErrInvalidToken
	}

	return domain.Caller{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// Sign issues a token for a caller. Used by local tooling and tests; production
// tokens come from the identity provider.
func (v *Verifier) Sign(caller domain.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: caller.Email,
		Name:  caller.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.UserID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
