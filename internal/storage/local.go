package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend reads archive files below a base directory.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend creates a local backend rooted at basePath, which must exist.
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open base path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path %s is not a directory", absPath)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Logger(),
	}, nil
}

// ReadTo reads data from the specified path and writes it to the writer
func (b *LocalBackend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to copy file data: %w", err)
	}
	return nil
}

// Exists checks if a regular file exists at the specified path
func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return false, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return !info.IsDir(), nil
}

// Close is a no-op for local storage
func (b *LocalBackend) Close() error {
	return nil
}

// GetFullPath returns the filesystem path for a storage path, or "" when the
// path escapes the base directory.
func (b *LocalBackend) GetFullPath(path string) string {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return ""
	}
	return fullPath
}

// Type returns the storage type identifier
func (b *LocalBackend) Type() string {
	return "local"
}

// sanitizePath removes any potentially dangerous path components
func sanitizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "..", "_")
	return strings.ReplaceAll(path, "\x00", "")
}

// validatePath ensures the resolved path stays within the base path
func (b *LocalBackend) validatePath(path string) (string, error) {
	fullPath := filepath.Join(b.basePath, sanitizePath(path))
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(b.basePath, absPath)
	if err != nil {
		return "", fmt.Errorf("path traversal detected")
	}
	if strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal detected: path escapes base directory")
	}
	return absPath, nil
}
