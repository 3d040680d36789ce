package auth

import (
	"strings"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/httpx"
	"github.com/abduss/oakregistry/internal/registry"
	"github.com/gin-gonic/gin"
)

type contextKey string

const identityContextKey contextKey = "oakregistryIdentity"

// AuthMiddleware validates bearer tokens and injects the authenticated identity.
func AuthMiddleware(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httpx.WriteError(c, apperror.New(apperror.KindUnauthorized, "missing authorization header"))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			httpx.WriteError(c, apperror.New(apperror.KindUnauthorized, "invalid authorization header"))
			return
		}

		identity, err := verifier.ValidateAccessToken(token)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}

		c.Set(string(identityContextKey), identity)
		c.Next()
	}
}

// CurrentUser extracts the authenticated identity from the context.
func CurrentUser(c *gin.Context) (registry.Identity, bool) {
	value, exists := c.Get(string(identityContextKey))
	if !exists {
		return registry.Identity{}, false
	}
	identity, ok := value.(registry.Identity)
	return identity, ok
}

// RequireUser returns the identity or writes a 401 and reports false.
func RequireUser(c *gin.Context) (registry.Identity, bool) {
	identity, ok := CurrentUser(c)
	if !ok || identity.UserID == "" {
		httpx.WriteError(c, apperror.New(apperror.KindUnauthorized, "authentication required"))
		return registry.Identity{}, false
	}
	return identity, true
}

func extractBearerToken(header string) string {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
