// Package sqlite implements the SHL manifest store over a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed" // embed the schema
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/shl"
)

//go:embed sql/schema.sql
var schema string

// DateFormat is how timestamps are rendered into the database. All stored
// times are UTC, matching sqlite's datetime('now').
const dateFormat = `2006-01-02 15:04:05`

// Store is a handle to the manifest database. Writes are serialized through
// an internal mutex; reads may run concurrently.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ shl.Store = (*Store)(nil)

// Open opens the named SQLite database, creating the schema if needed.
func Open(ctx context.Context, f string) (*Store, error) {
	u := url.URL{
		Scheme: `file`,
		Opaque: f,
		RawQuery: url.Values{
			"_pragma": {
				"foreign_keys(1)",
				"journal_mode(wal)",
				"busy_timeout(5000)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "sqlite.Open", Inner: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "sqlite.Open", Inner: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "sqlite.Open", Inner: fmt.Errorf("creating schema: %w", err)}
	}
	return &Store{db: db}, nil
}

// Close releases held resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create implements [shl.Store].
func (s *Store) Create(ctx context.Context, m *shl.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO SHLManifests (uuid, vhl, bearer_password, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.UUID, m.VHL, m.Bearer,
		m.ExpiresAt.UTC().Format(dateFormat),
		m.CreatedAt.UTC().Format(dateFormat))
	if err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "sqlite.Create", Inner: err}
	}
	return nil
}

// Manifest implements [shl.Store].
func (s *Store) Manifest(ctx context.Context, uuid string) (*shl.Manifest, error) {
	const op = `sqlite.Manifest`
	var m shl.Manifest
	var expires, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, vhl, bearer_password, expires_at, created_at
		FROM SHLManifests WHERE uuid = ?`, uuid).
		Scan(&m.UUID, &m.VHL, &m.Bearer, &expires, &created)
	switch {
	case err == sql.ErrNoRows:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrNotFound, Op: op, Message: uuid}
	case err != nil:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	if m.ExpiresAt, err = time.ParseInLocation(dateFormat, expires, time.UTC); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	if m.CreatedAt, err = time.ParseInLocation(dateFormat, created, time.UTC); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return &m, nil
}

// ReplaceFiles implements [shl.Store]. The swap runs in one transaction, so
// a failure leaves the prior file set untouched.
func (s *Store) ReplaceFiles(ctx context.Context, uuid string, files []shl.File) error {
	const op = `sqlite.ReplaceFiles`
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM SHLFiles WHERE shl_uuid = ?`, uuid); err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	for i := range files {
		f := &files[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO SHLFiles (id, shl_uuid, content_base64, content_type)
			VALUES (?, ?, ?, ?)`,
			f.ID, uuid, f.ContentBase64, f.ContentType)
		if err != nil {
			return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return nil
}

// Files implements [shl.Store].
func (s *Store) Files(ctx context.Context, uuid string) ([]shl.File, error) {
	const op = `sqlite.Files`
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shl_uuid, content_base64, content_type
		FROM SHLFiles WHERE shl_uuid = ? ORDER BY rowid`, uuid)
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	defer rows.Close()
	var fs []shl.File
	for rows.Next() {
		var f shl.File
		if err := rows.Scan(&f.ID, &f.ManifestUUID, &f.ContentBase64, &f.ContentType); err != nil {
			return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
		}
		fs = append(fs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return fs, nil
}

// File implements [shl.Store].
func (s *Store) File(ctx context.Context, id string) (*shl.File, error) {
	const op = `sqlite.File`
	var f shl.File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shl_uuid, content_base64, content_type
		FROM SHLFiles WHERE id = ?`, id).
		Scan(&f.ID, &f.ManifestUUID, &f.ContentBase64, &f.ContentType)
	switch {
	case err == sql.ErrNoRows:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrNotFound, Op: op, Message: id}
	case err != nil:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return &f, nil
}

// RecordView implements [shl.Store].
func (s *Store) RecordView(ctx context.Context, v *shl.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO SHLViews (shl_uuid, file_id, recipient, ip_address)
		VALUES (?, ?, ?, ?)`,
		nullable(v.ManifestUUID), nullable(v.FileID), v.Recipient, v.IPAddress)
	if err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "sqlite.RecordView", Inner: err}
	}
	return nil
}

// DeleteExpired implements [shl.Store].
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = `sqlite.DeleteExpired`
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM SHLManifests WHERE expires_at <= ?`, now.UTC().Format(dateFormat))
	if err != nil {
		return 0, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
