// ABOUTME: Filesystem storage for execution logs with signed download URLs
// ABOUTME: URLs carry a short-lived JWT whose subject is the log path

package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidPath is returned for paths that escape the log directory.
var ErrInvalidPath = errors.New("invalid log path")

// ErrNotFound is returned when a log does not exist.
var ErrNotFound = errors.New("log not found")

// Store persists execution logs.
type Store interface {
	Upload(ctx context.Context, tenantID, executionID string, content []byte) (string, error)
	DownloadURL(logPath string, ttl time.Duration) (string, error)
}

// Signer issues and checks single-purpose tokens for a subject.
type Signer interface {
	Generate(subject string, expiresIn time.Duration) (string, error)
	Verify(token string) (subject string, err error)
}

// FileStore keeps logs under dir as {tenantID}/{executionID}.log.
type FileStore struct {
	dir     string
	baseURL string
	signer  Signer
	logger  *slog.Logger
}

// NewFileStore creates the log directory if needed.
func NewFileStore(dir, baseURL string, signer Signer, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		signer:  signer,
		logger:  logger.With("component", "logstore"),
	}, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// resolve maps a relative log path to a file under dir.
func (s *FileStore) resolve(logPath string) (string, error) {
	clean := path.Clean("/" + logPath)[1:]
	parts := strings.Split(clean, "/")
	if len(parts) != 2 || !validSegment(parts[0]) || !validSegment(parts[1]) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, logPath)
	}
	return filepath.Join(s.dir, parts[0], parts[1]), nil
}

// Upload writes content as the log of an execution, replacing any previous
// upload, and returns the relative path.
func (s *FileStore) Upload(ctx context.Context, tenantID, executionID string, content []byte) (string, error) {
	if !validSegment(tenantID) || !validSegment(executionID) {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidPath, tenantID, executionID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel := tenantID + "/" + executionID + ".log"
	full, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return "", fmt.Errorf("creating tenant log directory: %w", err)
	}

	// Write-then-rename so readers never see a partial log
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp log: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing log: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storing log: %w", err)
	}

	s.logger.Debug("stored execution log", "path", rel, "bytes", len(content))
	return rel, nil
}

// DownloadURL returns a URL serving logPath that stays valid for ttl.
func (s *FileStore) DownloadURL(logPath string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(logPath); err != nil {
		return "", err
	}
	token, err := s.signer.Generate(logPath, ttl)
	if err != nil {
		return "", fmt.Errorf("signing log url: %w", err)
	}
	return s.baseURL + "/logs/" + logPath + "?token=" + url.QueryEscape(token), nil
}

// Open returns the content of a stored log.
func (s *FileStore) Open(logPath string) (io.ReadSeekCloser, os.FileInfo, error) {
	full, err := s.resolve(logPath)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat log: %w", err)
	}
	return f, info, nil
}

// ServeHTTP serves GET /logs/{tenant}/{execution}.log?token=... . The token
// subject must equal the requested path.
func (s *FileStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logPath := strings.TrimPrefix(r.URL.Path, "/logs/")
	subject, err := s.signer.Verify(r.URL.Query().Get("token"))
	if err != nil || subject != logPath {
		http.Error(w, "invalid or expired link", http.StatusForbidden)
		return
	}

	f, info, err := s.Open(logPath)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidPath) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("serving log failed", "path", logPath, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, path.Base(logPath), info.ModTime(), f)
}

var _ Store = (*FileStore)(nil)
