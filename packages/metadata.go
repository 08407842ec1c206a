package packages

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/ini"
)

// Archive members the metadata derivation reads.
const (
	MemberPackageJSON = `package.json`
	MemberIndexJSON   = `.index.json`
	MemberIGIni       = `ig.ini`
)

// Members is the set of archive paths [DeriveMetadata] wants extracted.
var Members = []string{MemberPackageJSON, MemberIndexJSON, MemberIGIni}

// PackageJSON is the subset of npm's package.json that FHIR packages carry.
//
// Author may be a bare string or an object with a "name"; fhirVersions may
// be an array or a scalar. The custom unmarshalers below absorb both.
type packageJSON struct {
	Name              string            `json:"name"`
	Version           string            `json:"version"`
	Description       string            `json:"description"`
	Author            authorField       `json:"author"`
	License           string            `json:"license"`
	Homepage          string            `json:"homepage"`
	URL               string            `json:"url"`
	Canonical         string            `json:"canonical"`
	Type              string            `json:"type"`
	Dependencies      map[string]string `json:"dependencies"`
	FHIRVersions      stringList        `json:"fhirVersions"`
	FHIRVersionAlt    string            `json:"fhir-version"`
	NotForPublication bool              `json:"notForPublication"`
}

type authorField string

func (a *authorField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = authorField(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*a = authorField(obj.Name)
	return nil
}

type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*l = []string{one}
	return nil
}

// IndexJSON is the subset of .index.json used to backfill metadata.
type indexJSON struct {
	FHIRVersion string `json:"fhir-version"`
	Canonical   string `json:"canonical"`
}

// DeriveMetadata assembles a VersionInfo from the extracted archive members,
// keyed as returned by the tarball extractor. A missing or unparsable
// package.json fails the item; .index.json and ig.ini only backfill fields
// package.json left empty.
func DeriveMetadata(members map[string]string) (*VersionInfo, error) {
	const op = `packages.DeriveMetadata`
	raw, ok := members[MemberPackageJSON]
	if !ok || raw == "" {
		return nil, &fhirhub.Error{
			Kind:    fhirhub.ErrValidation,
			Op:      op,
			Message: "archive has no package.json",
		}
	}
	var pj packageJSON
	if err := json.Unmarshal([]byte(raw), &pj); err != nil {
		return nil, &fhirhub.Error{
			Kind:  fhirhub.ErrMalformedJSON,
			Op:    op,
			Inner: err,
		}
	}

	v := VersionInfo{
		ID:                pj.Name,
		Version:           pj.Version,
		Description:       pj.Description,
		Author:            string(pj.Author),
		License:           pj.License,
		Homepage:          pj.Homepage,
		Canonical:         pj.Canonical,
		FHIRVersions:      pj.FHIRVersions,
		NotForPublication: pj.NotForPublication,
	}
	if v.Homepage == "" {
		v.Homepage = pj.URL
	}
	if len(v.FHIRVersions) == 0 && pj.FHIRVersionAlt != "" {
		v.FHIRVersions = []string{pj.FHIRVersionAlt}
	}
	switch pj.Type {
	case "fhir.core":
		v.Kind = KindCore
	case "fhir.template":
		v.Kind = KindTemplate
	default:
		v.Kind = KindIG
	}
	for dep, ver := range pj.Dependencies {
		v.Dependencies = append(v.Dependencies, fmt.Sprintf("%s@%s", dep, ver))
	}
	sort.Strings(v.Dependencies)

	if raw, ok := members[MemberIndexJSON]; ok && raw != "" {
		var ij indexJSON
		// A broken .index.json only costs us the backfill.
		if err := json.Unmarshal([]byte(raw), &ij); err == nil {
			if len(v.FHIRVersions) == 0 && ij.FHIRVersion != "" {
				v.FHIRVersions = []string{ij.FHIRVersion}
			}
			if v.Canonical == "" {
				v.Canonical = ij.Canonical
			}
		}
	}
	if raw, ok := members[MemberIGIni]; ok && raw != "" {
		if f, err := ini.ParseString(raw); err == nil {
			if v.Canonical == "" {
				v.Canonical = f.Get("IG", "canonical")
			}
			if len(v.FHIRVersions) == 0 {
				if fv := f.Get("IG", "fhir-version"); fv != "" {
					v.FHIRVersions = []string{fv}
				}
			}
		}
	}
	if len(v.FHIRVersions) == 0 {
		v.FHIRVersions = []string{fhirhub.DefaultFHIRVersion}
	}
	for i, fv := range v.FHIRVersions {
		v.FHIRVersions[i] = strings.TrimSpace(fv)
	}
	return &v, nil
}
