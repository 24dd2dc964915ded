// ABOUTME: Tests for the filesystem log store and its signed download handler
// ABOUTME: Covers upload, path validation, URL signing and token checks

package logstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	signer, err := auth.NewJWTVerifier([]byte("logstore-test-secret-0123456789ab"))
	require.NoError(t, err)
	s, err := NewFileStore(t.TempDir(), "http://gw.test/", signer, nil)
	require.NoError(t, err)
	return s
}

func TestFileStore_UploadAndOpen(t *testing.T) {
	s := newTestFileStore(t)

	p, err := s.Upload(context.Background(), "tenant-1", "exec-1", []byte("line 1\nline 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "tenant-1/exec-1.log", p)

	// A second upload replaces the first
	_, err = s.Upload(context.Background(), "tenant-1", "exec-1", []byte("final\n"))
	require.NoError(t, err)

	f, _, err := s.Open(p)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "final\n", string(data))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s := newTestFileStore(t)

	_, err := s.Upload(context.Background(), "..", "exec-1", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.Upload(context.Background(), "tenant-1", "../../etc", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.DownloadURL("a/b/c.log", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, _, err = s.Open("missing/none.log")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_ServeSignedURL(t *testing.T) {
	s := newTestFileStore(t)
	p, err := s.Upload(context.Background(), "tenant-1", "exec-1", []byte("hello log"))
	require.NoError(t, err)

	link, err := s.DownloadURL(p, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "http://gw.test/logs/tenant-1/exec-1.log?token="))

	u, err := url.Parse(link)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello log", rec.Body.String())

	// Token for one path does not open another
	_, err = s.Upload(context.Background(), "tenant-2", "exec-9", []byte("secret"))
	require.NoError(t, err)
	other := "/logs/tenant-2/exec-9.log?" + u.RawQuery
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, other, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Missing token
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/tenant-1/exec-1.log", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFileStore_ExpiredURL(t *testing.T) {
	s := newTestFileStore(t)
	p, err := s.Upload(context.Background(), "tenant-1", "exec-1", []byte("x"))
	require.NoError(t, err)

	link, err := s.DownloadURL(p, -time.Minute)
	require.NoError(t, err)
	u, _ := url.Parse(link)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
