package catalog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/httpx"
	"github.com/abduss/oakregistry/internal/registry"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the read API onto the versioned group.
func RegisterRoutes(group *gin.RouterGroup, service *Service) {
	handler := &httpHandler{service: service}
	group.GET("/packages", handler.listPackages)
	group.GET("/packages/:name", handler.getPackage)
	group.GET("/packages/:name/versions/:version", handler.getVersion)
	group.GET("/packages/:name/stats", handler.packageStats)
	group.GET("/stats", handler.stats)
}

// RegisterDownloadRoutes mounts the archive download path,
// /packages/:name/:file, matching the published download URLs.
func RegisterDownloadRoutes(group *gin.RouterGroup, service *Service) {
	handler := &httpHandler{service: service}
	group.GET("/packages/:name/:file", handler.download)
}

type httpHandler struct {
	service *Service
}

type packageResponse struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Author        string    `json:"author"`
	License       string    `json:"license"`
	Homepage      string    `json:"homepage"`
	Repository    string    `json:"repository"`
	Keywords      []string  `json:"keywords"`
	OwnerID       string    `json:"owner_id"`
	DownloadCount int64     `json:"download_count"`
	LatestVersion string    `json:"latest_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type versionResponse struct {
	Version         string            `json:"version"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"dev_dependencies"`
	Checksum        string            `json:"checksum"`
	Size            int64             `json:"size"`
	DownloadCount   int64             `json:"download_count"`
	Prerelease      bool              `json:"prerelease"`
	Deprecated      bool              `json:"deprecated"`
	PublishedAt     time.Time         `json:"published_at"`
	DownloadURL     string            `json:"download_url"`
}

type pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

type listResponse struct {
	Packages   []packageResponse `json:"packages"`
	Pagination pagination        `json:"pagination"`
}

type detailResponse struct {
	Package  packageResponse   `json:"package"`
	Versions []versionResponse `json:"versions"`
}

type versionDetailResponse struct {
	Package string          `json:"package"`
	Version versionResponse `json:"version"`
}

type versionDownloads struct {
	Version       string `json:"version"`
	DownloadCount int64  `json:"download_count"`
}

type packageStatsResponse struct {
	Name          string             `json:"name"`
	DownloadCount int64              `json:"download_count"`
	VersionCount  int                `json:"version_count"`
	Versions      []versionDownloads `json:"versions"`
}

type statsResponse struct {
	TotalPackages   int64 `json:"total_packages"`
	TotalVersions   int64 `json:"total_versions"`
	TotalDownloads  int64 `json:"total_downloads"`
	TotalPublishers int64 `json:"total_publishers"`
}

func (h *httpHandler) listPackages(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		httpx.WriteError(c, err)
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	page, err := h.service.ListPackages(c.Request.Context(), registry.ListQuery{
		Query:  c.Query("q"),
		Sort:   c.Query("sort"),
		Order:  c.Query("order"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	resp := listResponse{
		Packages: make([]packageResponse, 0, len(page.Packages)),
		Pagination: pagination{
			Total:   page.Total,
			Limit:   page.Limit,
			Offset:  page.Offset,
			HasMore: page.HasMore,
		},
	}
	for _, p := range page.Packages {
		resp.Packages = append(resp.Packages, marshalPackage(p.Package, p.LatestVersion))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *httpHandler) getPackage(c *gin.Context) {
	detail, err := h.service.GetPackage(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	base := httpx.BaseURL(c, h.service.cfg.PublicBaseURL)
	resp := detailResponse{
		Package:  marshalPackage(detail.Package, detail.LatestVersion),
		Versions: make([]versionResponse, 0, len(detail.Versions)),
	}
	for _, v := range detail.Versions {
		resp.Versions = append(resp.Versions, marshalVersion(base, detail.Package.Name, v))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *httpHandler) getVersion(c *gin.Context) {
	p, v, err := h.service.GetVersion(c.Request.Context(), c.Param("name"), c.Param("version"))
	if err != nil {
		httpx.WriteError(c, err)
		return
	}
	base := httpx.BaseURL(c, h.service.cfg.PublicBaseURL)
	c.JSON(http.StatusOK, versionDetailResponse{Package: p.Name, Version: marshalVersion(base, p.Name, v)})
}

func (h *httpHandler) packageStats(c *gin.Context) {
	detail, err := h.service.GetPackage(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	resp := packageStatsResponse{
		Name:          detail.Package.Name,
		DownloadCount: detail.Package.DownloadCount,
		VersionCount:  len(detail.Versions),
		Versions:      make([]versionDownloads, 0, len(detail.Versions)),
	}
	for _, v := range detail.Versions {
		resp.Versions = append(resp.Versions, versionDownloads{Version: v.Version, DownloadCount: v.DownloadCount})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *httpHandler) stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		httpx.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsResponse{
		TotalPackages:   st.TotalPackages,
		TotalVersions:   st.TotalVersions,
		TotalDownloads:  st.TotalDownloads,
		TotalPublishers: st.TotalPublishers,
	})
}

func (h *httpHandler) download(c *gin.Context) {
	d, err := h.service.Download(c.Request.Context(), c.Param("name"), c.Param("file"))
	if err != nil {
		httpx.WriteError(c, err)
		return
	}

	if d.RedirectURL != nil {
		c.Redirect(http.StatusFound, d.RedirectURL.String())
		return
	}
	defer d.Body.Close()

	c.DataFromReader(http.StatusOK, d.Size, "application/gzip", d.Body, map[string]string{
		"Content-Disposition": `attachment; filename="` + d.Filename + `"`,
		"X-Checksum":          d.Version.Checksum,
		"Cache-Control":       "public, max-age=31536000, immutable",
	})
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.Field(apperror.KindInvalidRequest, key, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func marshalPackage(p registry.Package, latest string) packageResponse {
	keywords := p.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return packageResponse{
		Name:          p.Name,
		Description:   p.Description,
		Author:        p.Author,
		License:       p.License,
		Homepage:      p.Homepage,
		Repository:    p.Repository,
		Keywords:      keywords,
		OwnerID:       p.OwnerID,
		DownloadCount: p.DownloadCount,
		LatestVersion: latest,
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
}

func marshalVersion(base, name string, v registry.Version) versionResponse {
	return versionResponse{
		Version:         v.Version,
		Dependencies:    v.Dependencies,
		DevDependencies: v.DevDependencies,
		Checksum:        v.Checksum,
		Size:            v.SizeBytes,
		DownloadCount:   v.DownloadCount,
		Prerelease:      v.Prerelease,
		Deprecated:      v.Deprecated,
		PublishedAt:     v.PublishedAt.UTC(),
		DownloadURL:     httpx.DownloadURL(base, name, v.Version),
	}
}
