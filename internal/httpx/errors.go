// Package httpx holds the gin response helpers shared by the HTTP handlers.
package httpx

import (
	"net/http"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   apperror.Kind `json:"error"`
	Message string        `json:"message"`
	Field   string        `json:"field,omitempty"`
}

// Status maps an error kind to its HTTP status code.
func Status(kind apperror.Kind) int {
	switch kind {
	case apperror.KindArchiveTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperror.KindArchiveFormatInvalid,
		apperror.KindArchiveExtractionFailed,
		apperror.KindManifestNotFound,
		apperror.KindManifestParseError,
		apperror.KindManifestSchemaError,
		apperror.KindInvalidRequest:
		return http.StatusBadRequest
	case apperror.KindUnauthorized:
		return http.StatusUnauthorized
	case apperror.KindPermissionDenied:
		return http.StatusForbidden
	case apperror.KindPackageNotFound, apperror.KindVersionNotFound:
		return http.StatusNotFound
	case apperror.KindVersionAlreadyExists:
		return http.StatusConflict
	case apperror.KindRateLimited:
		return http.StatusTooManyRequests
	case apperror.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError aborts the request with the public view of err. Infrastructure
// failures are logged with their full cause first.
func WriteError(c *gin.Context, err error) {
	WriteErrorStatus(c, Status(apperror.KindOf(err)), err)
}

// WriteErrorStatus is WriteError with an explicit status code.
func WriteErrorStatus(c *gin.Context, status int, err error) {
	kind, field, message := apperror.Public(err)
	if kind.Infrastructure() {
		logger.FromContext(c).Error("request failed",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: kind, Message: message, Field: field})
}
