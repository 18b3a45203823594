package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/metrics"
)

// FetcherConfig configures archive fetching.
type FetcherConfig struct {
	// TempDir is where materialized archives are written. Empty means the
	// system temp directory.
	TempDir string
	// S3 settings shared by every s3:// location; Bucket is taken from the
	// location.
	S3 S3Config
	// Azure settings shared by every azure:// location; ContainerName is taken
	// from the location.
	Azure AzureBlobConfig
	// Breaker makes remote backends fail fast after repeated errors.
	Breaker BreakerConfig
}

// Fetcher resolves archive locations to local files. Plain local paths are used
// in place. Objects in S3 (s3://bucket/key) or Azure Blob Storage
// (azure://container/blob), and any location ending in .zst, are copied into a
// private temp directory, inflating zstd on the way, and removed on release.
type Fetcher struct {
	cfg     FetcherConfig
	dir     string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	backends map[string]Backend
	closed   bool
}

// NewFetcher creates a Fetcher and its temp directory.
func NewFetcher(cfg FetcherConfig, logger zerolog.Logger) (*Fetcher, error) {
	dir, err := os.MkdirTemp(cfg.TempDir, "pvexport-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &Fetcher{
		cfg:      cfg,
		dir:      dir,
		logger:   logger.With().Str("component", "fetcher").Logger(),
		metrics:  metrics.Get(),
		backends: make(map[string]Backend),
	}, nil
}

// Register installs the backend used for a scheme and bucket/container, e.g.
// ("s3", "plant-archive"). Later locations with that prefix use it.
func (f *Fetcher) Register(scheme, name string, b Backend) {
	id := scheme + "://" + name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[id] = f.guard(id, b)
}

func (f *Fetcher) guard(id string, b Backend) Backend {
	return &guardedBackend{Backend: b, br: newBreaker(id, f.cfg.Breaker, f.logger)}
}

// Location is a parsed archive location.
type Location struct {
	Scheme string // "s3", "azure" or "" for local paths
	Bucket string // bucket or container
	Key    string // object key, or the local path
}

// ParseLocation splits an archive location.
func ParseLocation(location string) (Location, error) {
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		return Location{Key: location}, nil
	}
	switch scheme {
	case "file":
		return Location{Key: rest}, nil
	case "s3", "azure":
	default:
		return Location{}, fmt.Errorf("unsupported location scheme %q", scheme)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Location{}, fmt.Errorf("location %q needs both a bucket and a key", location)
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// Compressed reports whether the location names a zstd-compressed archive.
func (l Location) Compressed() bool {
	return strings.HasSuffix(l.Key, ".zst")
}

// Resolve returns a local path for location. release removes any file the
// Fetcher created and must be called once the archive is closed.
func (f *Fetcher) Resolve(ctx context.Context, location string) (string, func() error, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return "", nil, archive.Errorf(archive.ErrArchiveUnavailable, err, "%s", location)
	}
	if loc.Scheme == "" && !loc.Compressed() {
		return loc.Key, func() error { return nil }, nil
	}

	b, key, err := f.backend(ctx, loc)
	if err != nil {
		return "", nil, archive.Errorf(archive.ErrArchiveUnavailable, err, "%s", location)
	}

	ok, err := b.Exists(ctx, key)
	if err != nil {
		f.metrics.IncFetchErrors()
		return "", nil, archive.Errorf(archive.ErrArchiveUnavailable, err, "%s", location)
	}
	if !ok {
		return "", nil, archive.Errorf(archive.ErrArchiveUnavailable, ErrNotFound, "%s", location)
	}

	path, err := f.materialize(ctx, b, key, loc.Compressed())
	if err != nil {
		f.metrics.IncFetchErrors()
		return "", nil, archive.Errorf(archive.ErrArchiveUnavailable, err, "%s", location)
	}
	f.logger.Debug().Str("location", location).Str("path", path).Msg("Fetched archive")

	release := func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove fetched archive: %w", err)
		}
		return nil
	}
	return path, release, nil
}

func (f *Fetcher) backend(ctx context.Context, loc Location) (Backend, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, "", errors.New("fetcher is closed")
	}

	if loc.Scheme == "" {
		abs, err := filepath.Abs(loc.Key)
		if err != nil {
			return nil, "", err
		}
		b, err := NewLocalBackend(filepath.Dir(abs), f.logger)
		if err != nil {
			return nil, "", err
		}
		return b, filepath.Base(abs), nil
	}

	id := loc.Scheme + "://" + loc.Bucket
	if b, ok := f.backends[id]; ok {
		return b, loc.Key, nil
	}

	var (
		b   Backend
		err error
	)
	switch loc.Scheme {
	case "s3":
		cfg := f.cfg.S3
		cfg.Bucket = loc.Bucket
		b, err = NewS3Backend(ctx, &cfg, f.logger)
	case "azure":
		cfg := f.cfg.Azure
		cfg.ContainerName = loc.Bucket
		b, err = NewAzureBlobBackend(&cfg, f.logger)
	}
	if err != nil {
		return nil, "", err
	}
	g := f.guard(id, b)
	f.backends[id] = g
	return g, loc.Key, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (f *Fetcher) materialize(ctx context.Context, b Backend, key string, compressed bool) (path string, err error) {
	f.metrics.IncFetches()
	path = filepath.Join(f.dir, uuid.NewString()+".db")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close temp file: %w", cerr)
		}
		if err != nil {
			os.Remove(path)
			path = ""
		}
	}()

	if !compressed {
		cw := &countingWriter{w: file}
		err = b.ReadTo(ctx, key, cw)
		f.metrics.IncFetchBytes(cw.n)
		return path, err
	}

	pr, pw := io.Pipe()
	cw := &countingWriter{w: pw}
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(b.ReadTo(ctx, key, cw))
	}()
	defer func() {
		<-done
		f.metrics.IncFetchBytes(cw.n)
	}()

	dec, err := zstd.NewReader(pr)
	if err != nil {
		pr.CloseWithError(err)
		return path, fmt.Errorf("failed to start zstd decoder: %w", err)
	}
	defer dec.Close()

	if _, err = io.Copy(file, dec); err != nil {
		pr.CloseWithError(err)
		return path, fmt.Errorf("failed to inflate archive: %w", err)
	}
	return path, nil
}

// Dir returns the temp directory holding fetched archives.
func (f *Fetcher) Dir() string { return f.dir }

// Close closes the backends and removes the temp directory with anything still
// in it.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	for id, b := range f.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	if err := os.RemoveAll(f.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
