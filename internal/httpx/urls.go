package httpx

import (
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// BaseURL returns configured when set, otherwise the scheme and host the
// request arrived on.
func BaseURL(c *gin.Context, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if fwd := c.GetHeader("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return scheme + "://" + c.Request.Host
}

// DownloadURL is the public location of a version archive.
func DownloadURL(base, name, version string) string {
	return strings.TrimRight(base, "/") + "/packages/" + url.PathEscape(name) + "/" + url.PathEscape(version) + ".tar.gz"
}
