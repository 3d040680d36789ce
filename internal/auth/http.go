package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the identity endpoint behind the auth middleware.
func RegisterRoutes(router *gin.RouterGroup, verifier *Verifier) {
	router.GET("/whoami", AuthMiddleware(verifier), whoami)
}

type whoamiResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
}

func whoami(c *gin.Context) {
	identity, ok := RequireUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, whoamiResponse{
		UserID:   identity.UserID,
		Username: identity.Username,
		IsAdmin:  identity.IsAdmin(),
	})
}
