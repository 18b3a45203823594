// Package indextest builds index files for tests.
package indextest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/index"
)

// Builder writes an index file under t.TempDir().
type Builder struct {
	t    testing.TB
	db   *sql.DB
	path string

	// Compress stores sample payloads as zstd frames.
	Compress bool
}

// New creates an empty index file.
func New(t testing.TB) *Builder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(index.Schema)
	require.NoError(t, err)
	b := &Builder{t: t, db: db, path: path}
	t.Cleanup(func() { b.db.Close() })
	return b
}

// Channel adds a channel row and returns its id. The same name may be added more
// than once.
func (b *Builder) Channel(name string, meta *archive.Metadata) int64 {
	b.t.Helper()
	enc, err := index.EncodeMetadata(meta)
	require.NoError(b.t, err)
	res, err := b.db.Exec("INSERT INTO channels (name, meta) VALUES (?, ?)", name, enc)
	require.NoError(b.t, err)
	id, err := res.LastInsertId()
	require.NoError(b.t, err)
	return id
}

// Samples appends records to a channel. Gap records get the disconnected
// severity unless they already carry a gap severity.
func (b *Builder) Samples(channelID int64, recs ...archive.RawRecord) *Builder {
	b.t.Helper()
	tx, err := b.db.Begin()
	require.NoError(b.t, err)
	stmt, err := tx.Prepare("INSERT INTO samples (channel_id, secs, nsecs, kind, count, status, severity, value) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	require.NoError(b.t, err)
	for _, r := range recs {
		sev := r.Severity
		if r.Gap && !archive.IsGapSeverity(sev) {
			sev = archive.SeverityDisconn
		}
		value := r.Payload
		if b.Compress && len(value) > 0 {
			value = index.CompressPayload(value)
		}
		_, err := stmt.Exec(channelID, r.Time.Seconds, r.Time.Nanoseconds, int(r.Kind), r.Count, r.Status, sev, value)
		require.NoError(b.t, err)
	}
	require.NoError(b.t, stmt.Close())
	require.NoError(b.t, tx.Commit())
	return b
}

// Exec runs raw SQL against the file, for fixtures the helpers cannot express.
func (b *Builder) Exec(query string, args ...any) {
	b.t.Helper()
	_, err := b.db.Exec(query, args...)
	require.NoError(b.t, err)
}

// Path returns the file location. Every helper commits before returning, so the
// file can be opened at any point.
func (b *Builder) Path() string { return b.path }
