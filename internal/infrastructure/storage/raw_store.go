package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RawEmailStore implements port.RawStore on the local filesystem. Keys are
// relative paths below baseDir.
type RawEmailStore struct {
	baseDir string
	logger  *zap.Logger
}

var _ port.RawStore = (*RawEmailStore)(nil)

// NewRawEmailStore creates a store rooted at baseDir
func NewRawEmailStore(baseDir string, logger *zap.Logger) *RawEmailStore {
	return &RawEmailStore{baseDir: baseDir, logger: logger}
}

// Key builds the storage key of a raw email: <org>/<yyyy-mm-dd>/<id>.eml
func Key(orgID, id string, received time.Time) string {
	return filepath.ToSlash(filepath.Join(
		sanitizeSegment(orgID),
		received.UTC().Format("2006-01-02"),
		sanitizeSegment(id)+".eml",
	))
}

// Save writes content under key, creating parent directories
func (s *RawEmailStore) Save(ctx context.Context, key string, content []byte) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		s.logger.Error("Failed to create parent directories",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to create directories: %w", err)
	}

	if err := os.WriteFile(fullPath, content, 0o600); err != nil {
		s.logger.Error("Failed to write raw email",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to write file: %w", err)
	}

	s.logger.Debug("Raw email saved",
		zap.String("key", key),
		zap.Int("size", len(content)))
	return nil
}

// Read returns the content stored under key
func (s *RawEmailStore) Read(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

// Delete removes key. A missing key is not an error.
func (s *RawEmailStore) Delete(ctx context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("Failed to delete raw email",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Prune deletes raw emails last modified before cutoff and returns how many
// were removed
func (s *RawEmailStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".eml") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to prune %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		s.logger.Info("Pruned raw emails",
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// resolve maps key to a path inside baseDir
func (s *RawEmailStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key")
	}

	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", key)
	}
	return absPath, nil
}

func sanitizeSegment(s string) string {
	s = unsafeKeyChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "unknown"
	}
	return s
}
