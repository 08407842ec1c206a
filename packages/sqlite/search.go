package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the dialect

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/packages"
)

var dialect = goqu.Dialect("sqlite3")

// Search runs a catalog search.
//
// Filters without a version component return one row per package, joined on
// the current version. A versioned filter (a "#" in name or dependson)
// returns every matching version row instead, deduplicated on (id, version),
// and a dependson filter additionally expands to transitive dependents to a
// fixpoint.
func (s *Store) Search(ctx context.Context, f *packages.SearchFilter) ([]packages.SearchResult, error) {
	const op = `sqlite.Search`
	// Build errors are already typed; a bad sort must surface as the
	// caller's validation failure, not a store fault.
	q, err := buildSearchQuery(f)
	if err != nil {
		return nil, err
	}
	out, seen, err := s.searchRows(ctx, q)
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
	}

	if f.Versioned() && f.DependsOn != "" {
		// Iterate dependents-of-dependents until nothing new turns up.
		frontier := make([]string, 0, len(out))
		for _, r := range out {
			frontier = append(frontier, r.Name+"#"+r.Version)
		}
		for len(frontier) > 0 {
			q, err := buildDependentsQuery(f, frontier)
			if err != nil {
				return nil, err
			}
			found, _, err := s.searchRows(ctx, q)
			if err != nil {
				return nil, &fhirhub.Error{Kind: fhirhub.ErrStore, Op: op, Inner: err}
			}
			frontier = frontier[:0]
			for _, r := range found {
				k := r.Name + "#" + r.Version
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, r)
				frontier = append(frontier, k)
			}
		}
	}
	return out, nil
}

// SearchRows runs the generated SQL and scans result rows, deduplicating on
// (id, version).
func (s *Store) searchRows(ctx context.Context, query string) ([]packages.SearchResult, map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := []packages.SearchResult{}
	seen := map[string]struct{}{}
	for rows.Next() {
		var r packages.SearchResult
		var kind int
		var canonical, description, homepage, pubdate sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&r.Name, &r.Version, &r.FHIRVersion, &canonical,
			&description, &kind, &homepage, &pubdate, &count); err != nil {
			return nil, nil, err
		}
		k := r.Name + "#" + r.Version
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		r.Canonical = canonical.String
		r.Description = description.String
		r.URL = homepage.String
		r.Date = pubdate.String
		r.Kind = packages.Kind(kind).String()
		r.Count = count.Int64
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, seen, nil
}

var searchCols = []interface{}{
	goqu.I("pv.Id"), goqu.I("pv.Version"), goqu.I("pv.FhirVersions"),
	goqu.I("pv.Canonical"), goqu.I("pv.Description"), goqu.I("pv.Kind"),
	goqu.I("pv.HomePage"), goqu.I("pv.PubDate"),
	goqu.L(`COALESCE(p.DownloadCount, 0)`),
}

func baseDataset(versioned bool) *goqu.SelectDataset {
	if versioned {
		return dialect.
			From(goqu.T("PackageVersions").As("pv")).
			LeftJoin(goqu.T("Packages").As("p"), goqu.On(goqu.I("p.Id").Eq(goqu.I("pv.Id")))).
			Select(searchCols...)
	}
	return dialect.
		From(goqu.T("Packages").As("p")).
		Join(goqu.T("PackageVersions").As("pv"), goqu.On(goqu.I("p.CurrentVersion").Eq(goqu.I("pv.PackageVersionKey")))).
		Select(searchCols...)
}

func buildSearchQuery(f *packages.SearchFilter) (string, error) {
	exps := []goqu.Expression{}

	if f.Name != "" {
		if id, ver, ok := strings.Cut(f.Name, "#"); ok {
			exps = append(exps,
				goqu.I("pv.Id").Like("%"+id+"%"),
				goqu.I("pv.Version").Like(ver+"%"))
		} else {
			exps = append(exps, goqu.I("pv.Id").Like("%"+f.Name+"%"))
		}
	}
	if f.DependsOn != "" {
		exps = append(exps, dependencyExists(dependencyPattern(f.DependsOn)))
	}
	if f.CanonicalPkg != "" {
		if strings.HasSuffix(f.CanonicalPkg, "%") {
			exps = append(exps, goqu.I("pv.Canonical").Like(f.CanonicalPkg))
		} else {
			exps = append(exps, goqu.I("pv.Canonical").Eq(f.CanonicalPkg))
		}
	}
	if f.CanonicalURL != "" {
		exps = append(exps, goqu.L(
			`EXISTS (SELECT 1 FROM PackageURLs u WHERE u.PackageVersionKey = pv.PackageVersionKey AND u.URL LIKE ?)`,
			f.CanonicalURL+"%"))
	}
	if f.FHIRVersion != "" {
		exps = append(exps, goqu.L(
			`EXISTS (SELECT 1 FROM PackageFHIRVersions fv WHERE fv.PackageVersionKey = pv.PackageVersionKey AND fv.Version LIKE ?)`,
			fhirhub.ExpandFHIRVersion(f.FHIRVersion)+"%"))
	}
	if f.Dependency != "" {
		exps = append(exps, dependencyExists(dependencyPattern(f.Dependency)))
	}

	q := baseDataset(f.Versioned()).Where(exps...)
	q, err := applySort(q, f.Sort)
	if err != nil {
		return "", err
	}
	sql, _, err := q.ToSQL()
	if err != nil {
		return "", &fhirhub.Error{Kind: fhirhub.ErrStore, Op: `sqlite.buildSearchQuery`, Inner: err}
	}
	return sql, nil
}

// BuildDependentsQuery selects version rows depending on any member of the
// frontier, for the dependson fixpoint.
func buildDependentsQuery(f *packages.SearchFilter, frontier []string) (string, error) {
	pats := make([]goqu.Expression, 0, len(frontier))
	for _, fr := range frontier {
		pats = append(pats, dependencyExists(fr+"%"))
	}
	q := baseDataset(true).Where(goqu.Or(pats...))
	sql, _, err := q.ToSQL()
	if err != nil {
		return "", &fhirhub.Error{Kind: fhirhub.ErrStore, Op: `sqlite.buildDependentsQuery`, Inner: err}
	}
	return sql, nil
}

func dependencyExists(pattern string) goqu.Expression {
	return goqu.L(
		`EXISTS (SELECT 1 FROM PackageDependencies d WHERE d.PackageVersionKey = pv.PackageVersionKey AND d.Dependency LIKE ?)`,
		pattern)
}

// DependencyPattern normalizes the three accepted dependency spellings to a
// LIKE pattern over the stored "id#version" form.
func dependencyPattern(v string) string {
	switch {
	case strings.Contains(v, "#"):
		return v + "%"
	case strings.Contains(v, "|"):
		return strings.Replace(v, "|", "#", 1) + "%"
	}
	return v + "#%"
}

func applySort(q *goqu.SelectDataset, sort string) (*goqu.SelectDataset, error) {
	desc := false
	if strings.HasPrefix(sort, "-") {
		desc, sort = true, sort[1:]
	}
	var col string
	switch sort {
	case "", "name":
		col = "pv.Id"
	case "version":
		col = "pv.Version"
	case "date":
		col = "pv.PubDate"
	case "count":
		col = "p.DownloadCount"
	default:
		return nil, &fhirhub.Error{
			Kind:    fhirhub.ErrValidation,
			Message: fmt.Sprintf("unrecognized sort %q", sort),
		}
	}
	if desc {
		return q.Order(goqu.I(col).Desc()), nil
	}
	return q.Order(goqu.I(col).Asc()), nil
}
