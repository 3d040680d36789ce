package publish

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/auth"
	"github.com/abduss/oakregistry/internal/httpx"
	"github.com/gin-gonic/gin"
)

// FormField is the multipart field carrying the archive.
const FormField = "package"

// multipartOverhead is allowed on top of the archive ceiling for part headers
// and boundaries.
const multipartOverhead = 1 << 20

var acceptedContentTypes = map[string]struct{}{
	"application/gzip":             {},
	"application/x-gzip":           {},
	"application/x-tar":            {},
	"application/x-gtar":           {},
	"application/x-compressed-tar": {},
	"application/tar+gzip":         {},
}

// RegisterRoutes mounts the publish endpoints under /packages.
func RegisterRoutes(router *gin.RouterGroup, service *Service, verifier *auth.Verifier) {
	handler := &httpHandler{service: service}
	group := router.Group("/packages", auth.AuthMiddleware(verifier))
	{
		group.POST("", handler.publish)
		group.DELETE("/:name/versions/:version", handler.unpublish)
		group.PUT("/:name/versions/:version/deprecation", handler.deprecate)
	}
}

type httpHandler struct {
	service *Service
}

type publishedPackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

type publishResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Package publishedPackage `json:"package"`
}

type unpublishResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	PackageRemoved bool   `json:"package_removed"`
}

type deprecateRequest struct {
	Deprecated *bool `json:"deprecated" binding:"required"`
}

type deprecateResponse struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Deprecated bool   `json:"deprecated"`
}

func (h *httpHandler) publish(c *gin.Context) {
	identity, ok := auth.RequireUser(c)
	if !ok {
		return
	}

	limit := h.service.cfg.MaxArchiveBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	part, err := archivePart(c.Request)
	if err != nil {
		httpx.WriteError(c, err)
		return
	}
	defer part.Close()

	if !acceptedUpload(part.FileName(), part.Header.Get("Content-Type")) {
		httpx.WriteErrorStatus(c, http.StatusUnsupportedMediaType,
			apperror.New(apperror.KindArchiveFormatInvalid, "only .tar.gz package files are accepted"))
		return
	}

	result, err := h.service.Publish(c.Request.Context(), identity, Upload{
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Body:        &bodyReader{r: part},
		BaseURL:     httpx.BaseURL(c, ""),
	})
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	c.JSON(http.StatusCreated, publishResponse{
		Success: true,
		Message: fmt.Sprintf("Package %s@%s published successfully", result.Name, result.Version),
		Package: publishedPackage{
			Name:        result.Name,
			Version:     result.Version,
			Checksum:    result.Checksum,
			Size:        result.Size,
			DownloadURL: result.DownloadURL,
		},
	})
}

func (h *httpHandler) unpublish(c *gin.Context) {
	identity, ok := auth.RequireUser(c)
	if !ok {
		return
	}

	name, version := c.Param("name"), c.Param("version")
	result, err := h.service.Unpublish(c.Request.Context(), identity, name, version)
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, unpublishResponse{
		Success:        true,
		Message:        fmt.Sprintf("Package %s@%s has been unpublished", name, result.Version.Version),
		PackageRemoved: result.PackageRemoved,
	})
}

func (h *httpHandler) deprecate(c *gin.Context) {
	identity, ok := auth.RequireUser(c)
	if !ok {
		return
	}

	var req deprecateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, apperror.Field(apperror.KindInvalidRequest, "deprecated", "body must be {\"deprecated\": true|false}"))
		return
	}

	name := c.Param("name")
	v, err := h.service.Deprecate(c.Request.Context(), identity, name, c.Param("version"), *req.Deprecated)
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, deprecateResponse{Name: name, Version: v.Version, Deprecated: v.Deprecated})
}

// archivePart streams the multipart body up to the archive field without
// buffering earlier parts.
func archivePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidRequest, err, "request must be multipart/form-data with a %q file", FormField)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperror.Field(apperror.KindInvalidRequest, FormField, "please upload a .tar.gz package file")
		}
		if err != nil {
			return nil, translateBodyError(err)
		}
		if part.FormName() == FormField && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func acceptedUpload(filename, contentType string) bool {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := acceptedContentTypes[strings.ToLower(mediaType)]
	return ok
}

// bodyReader reports an exhausted request body as ArchiveTooLarge.
type bodyReader struct {
	r io.Reader
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = translateBodyError(err)
	}
	return n, err
}

func translateBodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperror.New(apperror.KindArchiveTooLarge, "request body exceeds %d bytes", maxErr.Limit)
	}
	return apperror.Wrap(apperror.KindInvalidRequest, err, "malformed multipart body")
}
