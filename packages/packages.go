// Package packages holds the domain types for the FHIR NPM package catalog:
// the metadata extracted from package archives, the search filters the
// catalog API accepts, and the validation rules applied before a version is
// committed.
package packages

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/fhir-infra/fhirhub"
)

// Kind is the package kind, stored numerically.
type Kind int

const (
	KindCore     Kind = 0
	KindIG       Kind = 1
	KindTemplate Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCore:
		return "fhir.core"
	case KindTemplate:
		return "fhir.template"
	}
	return "fhir.ig"
}

// VersionInfo is the metadata for one package version, as derived from the
// archive members.
type VersionInfo struct {
	ID                string
	Version           string
	Description       string
	Author            string
	License           string
	Homepage          string
	Canonical         string
	FHIRVersions      []string
	Dependencies      []string // "{id}@{version}"
	Kind              Kind
	NotForPublication bool
}

// FHIRVersionList is the comma-joined form stored on the version row.
func (v *VersionInfo) FHIRVersionList() string {
	return strings.Join(v.FHIRVersions, ",")
}

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)
)

// Validate checks the id, version, and canonical against the publication
// rules. A failure means the item is rejected, not the feed.
func (v *VersionInfo) Validate() error {
	const op = `packages.VersionInfo.Validate`
	if !idPattern.MatchString(v.ID) {
		return &fhirhub.Error{
			Kind:    fhirhub.ErrValidation,
			Op:      op,
			Message: fmt.Sprintf("invalid package id %q", v.ID),
		}
	}
	if !versionPattern.MatchString(v.Version) {
		return &fhirhub.Error{
			Kind:    fhirhub.ErrValidation,
			Op:      op,
			Message: fmt.Sprintf("invalid version %q", v.Version),
		}
	}
	if v.Canonical != "" {
		u, err := url.Parse(v.Canonical)
		if err != nil || !u.IsAbs() {
			return &fhirhub.Error{
				Kind:    fhirhub.ErrValidation,
				Op:      op,
				Message: fmt.Sprintf("canonical %q is not an absolute URL", v.Canonical),
			}
		}
	}
	return nil
}

// SearchFilter is the set of catalog search parameters. Zero values mean
// "not filtered".
type SearchFilter struct {
	Name         string
	DependsOn    string
	CanonicalPkg string
	CanonicalURL string
	FHIRVersion  string
	Dependency   string
	Sort         string
}

// Versioned reports whether the filter selects specific versions rather
// than only each package's current version.
func (f *SearchFilter) Versioned() bool {
	return strings.Contains(f.Name, "#") || strings.Contains(f.DependsOn, "#")
}

// SearchResult is one catalog search row.
type SearchResult struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	FHIRVersion string `json:"fhirVersion"`
	Canonical   string `json:"canonical,omitempty"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	URL         string `json:"url,omitempty"`
	Date        string `json:"date,omitempty"`
	Count       int64  `json:"count"`
}
