package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abduss/oakregistry/internal/auth"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenFor(t *testing.T, sub string) string {
	t.Helper()
	token, err := auth.NewVerifier(config.AuthConfig{AccessTokenSecret: "secret"}).Sign(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	require.NoError(t, err)
	return token
}

func demoArchive(t *testing.T) []byte {
	t.Helper()
	files := map[string]string{
		"demo-pkg/oaklibs.json": `{"name":"demo-pkg","version":"1.0.0","dependencies":{}}`,
		"demo-pkg/lib/demo.oak": "export fn demo() {}\n",
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range []string{"demo-pkg/oaklibs.json", "demo-pkg/lib/demo.oak"} {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestPublishDownloadUnpublishWorkflow(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, nil, 100))
	defer srv.Close()
	client := srv.Client()
	token := tokenFor(t, "user-1")
	archive := demoArchive(t)

	// 1. Публикация
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("package", "demo-pkg-1.0.0.tar.gz")
	require.NoError(t, err)
	_, err = part.Write(archive)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/packages", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var published struct {
		Package struct {
			Checksum    string `json:"checksum"`
			DownloadURL string `json:"download_url"`
		} `json:"package"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&published))
	resp.Body.Close()
	assert.Equal(t, blobstore.Checksum(archive), published.Package.Checksum)
	assert.Equal(t, srv.URL+"/packages/demo-pkg/1.0.0.tar.gz", published.Package.DownloadURL)

	// 2. Скачивание
	resp, err = client.Get(published.Package.DownloadURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, archive, body)

	// 3. Статистика
	resp, err = client.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	var stats struct {
		TotalPackages  int64 `json:"total_packages"`
		TotalDownloads int64 `json:"total_downloads"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, int64(1), stats.TotalPackages)
	assert.Equal(t, int64(1), stats.TotalDownloads)

	// 4. Снятие с публикации
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/packages/demo-pkg/versions/1.0.0", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/v1/packages/demo-pkg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = client.Get(published.Package.DownloadURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
