package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/packages"
)

// SQLite datetime format, so stored dates compare correctly as text.
const dateFormat = `2006-01-02 15:04:05`

// Commit stores one package version in a single transaction: the version
// row, its side-table rows, and the package row, moving the package's
// current-version pointer when this version is now the most recent.
//
// Commit is idempotent on guid.
func (s *Store) Commit(ctx context.Context, archive []byte, info *packages.VersionInfo, pubDate time.Time, guid string, urls []string) error {
	const op = `sqlite.Commit`
	s.mu.Lock()
	defer s.mu.Unlock()

	storeErr := func(err error) error {
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM PackageVersions WHERE GUID = ?`, guid).Scan(&n); err != nil {
		return storeErr(err)
	}
	if n > 0 {
		return nil
	}

	var key int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(PackageVersionKey), 0) + 1 FROM PackageVersions`).Scan(&key); err != nil {
		return storeErr(err)
	}

	sum := sha256.Sum256(archive)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO PackageVersions
			(PackageVersionKey, GUID, PubDate, Id, Version, Kind, Canonical,
			 FhirVersions, Description, Author, License, HomePage, Hash, Content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, guid, pubDate.UTC().Format(dateFormat), info.ID, info.Version,
		int(info.Kind), info.Canonical, info.FHIRVersionList(), info.Description,
		info.Author, info.License, info.Homepage, hex.EncodeToString(sum[:]), archive)
	if err != nil {
		return storeErr(err)
	}

	for _, fv := range info.FHIRVersions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO PackageFHIRVersions (PackageVersionKey, Version) VALUES (?, ?)`,
			key, fv); err != nil {
			return storeErr(err)
		}
	}
	for _, dep := range info.Dependencies {
		// Stored in "id#version" form, which is what the search operators
		// match against.
		dep = strings.Replace(dep, "@", "#", 1)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO PackageDependencies (PackageVersionKey, Dependency) VALUES (?, ?)`,
			key, dep); err != nil {
			return storeErr(err)
		}
	}
	for _, u := range urls {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO PackageURLs (PackageVersionKey, URL) VALUES (?, ?)`,
			key, u); err != nil {
			return storeErr(err)
		}
	}

	var pkgKey int64
	err = tx.QueryRowContext(ctx,
		`SELECT PackageKey FROM Packages WHERE Id = ?`, info.ID).Scan(&pkgKey)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO Packages (Id, Canonical, DownloadCount) VALUES (?, ?, 0)`,
			info.ID, info.Canonical); err != nil {
			return storeErr(err)
		}
	case err != nil:
		return storeErr(err)
	}

	best, err := mostRecentVersion(ctx, tx, info.ID)
	if err != nil {
		return storeErr(err)
	}
	if best == key {
		if _, err := tx.ExecContext(ctx,
			`UPDATE Packages SET CurrentVersion = ?, Canonical = ? WHERE Id = ?`,
			key, info.Canonical, info.ID); err != nil {
			return storeErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

// MostRecentVersion picks the version row of id that should be the current
// version: latest by (PubDate, Version), versions literally named "current"
// excluded. Version order is semver where both sides parse, lexical
// otherwise.
func mostRecentVersion(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT PackageVersionKey, Version, COALESCE(PubDate, '')
		FROM PackageVersions
		WHERE Id = ? AND Version <> 'current'`, id)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var bestKey int64
	var bestVer, bestDate string
	for rows.Next() {
		var key int64
		var ver, date string
		if err := rows.Scan(&key, &ver, &date); err != nil {
			return 0, err
		}
		if bestKey == 0 || moreRecent(date, ver, bestDate, bestVer) {
			bestKey, bestVer, bestDate = key, ver, date
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if bestKey == 0 {
		return 0, fmt.Errorf("no candidate versions for %q", id)
	}
	return bestKey, nil
}

func moreRecent(date, ver, thanDate, thanVer string) bool {
	if date != thanDate {
		return date > thanDate
	}
	a, aerr := semver.NewVersion(ver)
	b, berr := semver.NewVersion(thanVer)
	if aerr == nil && berr == nil {
		return a.GreaterThan(b)
	}
	return ver > thanVer
}
