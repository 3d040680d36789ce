// Package auth verifies bearer tokens issued by the identity provider and
// exposes the caller as a registry.Identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/registry"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access-token payload. Subject carries the opaque user id.
type Claims struct {
	Role     string `json:"role,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a Verifier from cfg. Issuer and audience are enforced
// only when configured.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		secret: []byte(cfg.AccessTokenSecret),
		parser: jwt.NewParser(opts...),
	}
}

// ValidateAccessToken verifies the token signature and registered claims and
// returns the identity it names.
func (v *Verifier) ValidateAccessToken(tokenString string) (registry.Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return registry.Identity{}, apperror.New(apperror.KindUnauthorized, "missing bearer token")
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		msg := "invalid or expired token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token has expired"
		}
		return registry.Identity{}, apperror.Wrap(apperror.KindUnauthorized, err, msg)
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return registry.Identity{}, apperror.New(apperror.KindUnauthorized, "token has no subject")
	}

	return registry.Identity{
		UserID:   sub,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}

// Sign issues a token for claims. The registry never issues tokens to
// clients; this exists for operators and tests sharing the secret.
func (v *Verifier) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
