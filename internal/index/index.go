// Package index reads channel archives stored as SQLite index files.
//
// Files are opened read-only and immutable, so any number of handles may read
// the same file at once. Remote or compressed locations are first materialized
// by a Resolver (see internal/storage).
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pvexport/internal/archive"
)

// DefaultPageSize is how many samples a reader fetches per query.
const DefaultPageSize = 512

// Resolver turns an archive location into a local file path. release is called
// when the archive is closed.
type Resolver interface {
	Resolve(ctx context.Context, location string) (path string, release func() error, err error)
}

// Options configures an Opener.
type Options struct {
	// Resolver materializes non-local locations. Nil means every location is a
	// local path.
	Resolver Resolver
	PageSize int
}

// Opener opens index files. It implements archive.Opener.
type Opener struct {
	resolver Resolver
	pageSize int
	logger   zerolog.Logger
}

// NewOpener creates an Opener.
func NewOpener(opts Options, logger zerolog.Logger) *Opener {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Opener{
		resolver: opts.Resolver,
		pageSize: opts.PageSize,
		logger:   logger.With().Str("component", "index").Logger(),
	}
}

var dsnEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func dsn(path string) string {
	return "file:" + dsnEscaper.Replace(path) + "?mode=ro&immutable=1"
}

// Open opens the index at location.
func (o *Opener) Open(ctx context.Context, location string) (archive.Archive, error) {
	if location == "" {
		return nil, archive.Errorf(archive.ErrArchiveUnavailable, nil, "empty archive location")
	}

	path, release := location, func() error { return nil }
	if o.resolver != nil {
		p, r, err := o.resolver.Resolve(ctx, location)
		if err != nil {
			if archive.KindOf(err) == nil {
				err = archive.Errorf(archive.ErrArchiveUnavailable, err, "%s", location)
			}
			return nil, err
		}
		path, release = p, r
	}

	a, err := o.openFile(ctx, path)
	if err != nil {
		if rerr := release(); rerr != nil {
			o.logger.Warn().Err(rerr).Str("archive", location).Msg("Failed to release archive")
		}
		return nil, archive.Errorf(archive.ErrArchiveUnavailable, err, "%s", location)
	}
	a.location = location
	a.release = release
	o.logger.Debug().Str("archive", location).Str("path", path).Msg("Opened archive")
	return a, nil
}

func (o *Opener) openFile(ctx context.Context, path string) (*Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	// Probe the schema; a file that is not an index fails here.
	for _, q := range []string{
		"SELECT id, name, meta FROM channels LIMIT 1",
		"SELECT channel_id, secs, nsecs, kind, count, status, severity, value FROM samples LIMIT 1",
	} {
		rows, err := db.QueryContext(ctx, q)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("not an archive index: %w", err)
		}
		rows.Close()
	}

	return &Archive{db: db, pageSize: o.pageSize, logger: o.logger}, nil
}

// Archive is an open index file.
type Archive struct {
	db       *sql.DB
	location string
	pageSize int
	release  func() error
	logger   zerolog.Logger
}

// Catalog streams channel names in index order. Names may repeat.
func (a *Archive) Catalog(ctx context.Context) (archive.Catalog, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT name FROM channels ORDER BY id")
	if err != nil {
		return nil, translate(ctx, archive.ErrCatalogUnavailable, err, "listing channels")
	}
	return &catalog{rows: rows}, nil
}

// NewReader returns a reader positioned nowhere.
func (a *Archive) NewReader() (archive.Reader, error) {
	return &Reader{db: a.db, pageSize: a.pageSize, meta: &archive.Metadata{}}, nil
}

// Close closes the database and releases any materialized file.
func (a *Archive) Close() error {
	err := a.db.Close()
	if a.release != nil {
		err = errors.Join(err, a.release())
		a.release = nil
	}
	return err
}

type catalog struct {
	rows *sql.Rows
	name string
	err  error
}

func (c *catalog) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = translate(ctx, archive.ErrCatalogUnavailable, err, "iterating channels")
		}
		return false
	}
	if err := c.rows.Scan(&c.name); err != nil {
		c.err = translate(ctx, archive.ErrCatalogUnavailable, err, "reading channel name")
		return false
	}
	return true
}

func (c *catalog) Name() string { return c.name }
func (c *catalog) Err() error   { return c.err }
func (c *catalog) Close() error { return c.rows.Close() }

// translate maps a driver error to a failure kind. Context errors pass through.
func translate(ctx context.Context, kind, err error, detail string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return archive.Errorf(kind, err, "%s", detail)
}
