// Package sqlite implements the package catalog over a SQLite database.
//
// The schema matches the catalog's historical on-disk layout, defaults
// included, so an operator can point this implementation at an existing
// store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed" // embed the schema
	"fmt"
	"net/url"
	"sync"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/fhir-infra/fhirhub"
)

//go:embed sql/schema.sql
var schema string

// Store is a handle to the package catalog.
//
// Commits are serialized through an internal mutex; reads may run
// concurrently.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

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

// HasStored reports whether a version with the given feed GUID has been
// committed.
func (s *Store) HasStored(ctx context.Context, guid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM PackageVersions WHERE GUID = ?`, guid).Scan(&n)
	if err != nil {
		return false, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "sqlite.HasStored", Inner: err}
	}
	return n > 0, nil
}

// Stats summarizes the catalog for the operational endpoint.
type Stats struct {
	Packages   int64 `json:"packages"`
	Versions   int64 `json:"versions"`
	TotalBytes int64 `json:"totalBytes"`
}

// Stats reports catalog row counts and stored archive bytes.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	const op = `sqlite.Stats`
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Packages`).Scan(&st.Packages); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(Content)), 0) FROM PackageVersions`).
		Scan(&st.Versions, &st.TotalBytes)
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return &st, nil
}

// Archive returns the stored archive bytes for (id, version) and bumps the
// package's download counter.
func (s *Store) Archive(ctx context.Context, id, version string) ([]byte, error) {
	const op = `sqlite.Archive`
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT Content FROM PackageVersions WHERE Id = ? AND Version = ?`, id, version).
		Scan(&content)
	switch {
	case err == sql.ErrNoRows:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrNotFound, Op: op, Message: fmt.Sprintf("%s#%s", id, version)}
	case err != nil:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE Packages SET DownloadCount = DownloadCount + 1 WHERE Id = ?`, id); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}
	return content, nil
}
