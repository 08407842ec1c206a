// Package registry maintains a snapshot of the terminology server topology
// and answers resolution queries against it.
//
// The topology is a tree: a master document lists registries, each registry
// lists servers, and each server hosts one endpoint per FHIR release. The
// crawler rebuilds the whole tree periodically and publishes it with an
// atomic pointer swap, so readers always see a complete snapshot.
package registry

import (
	"strings"
	"time"
)

// Snapshot is the root of the terminology topology. Published snapshots are
// immutable; the crawler always builds a fresh one.
type Snapshot struct {
	Address    string      `json:"address"`
	LastRun    time.Time   `json:"lastRun"`
	Outcome    string      `json:"outcome"`
	Registries []*Registry `json:"registries"`
}

// Registry is one registry listed by the master document.
type Registry struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Authority string    `json:"authority,omitempty"`
	Error     string    `json:"error,omitempty"`
	Servers   []*Server `json:"servers"`
}

// Server is a terminology server declared by a registry. The auth lists are
// operator-declared ownership masks; entries may end in `*` for a prefix
// match.
type Server struct {
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	AccessInfo string     `json:"accessInfo,omitempty"`
	AuthCSList []string   `json:"authCSList,omitempty"`
	AuthVSList []string   `json:"authVSList,omitempty"`
	UsageList  []string   `json:"usageList,omitempty"`
	Versions   []*Version `json:"versions"`
}

// Version is one probed endpoint of a server, serving a single FHIR
// release. CodeSystems and ValueSets are the observed inventories, sorted
// and deduplicated. A Version with a non-empty Error is never offered to
// clients.
type Version struct {
	Version     string    `json:"version"`
	Address     string    `json:"address"`
	Security    string    `json:"security,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastTat     string    `json:"lastTat,omitempty"`
	CodeSystems []string  `json:"codeSystems,omitempty"`
	ValueSets   []string  `json:"valueSets,omitempty"`
	Software    string    `json:"software,omitempty"`
}

// Usable reports whether v may be offered to clients.
func (v *Version) Usable() bool { return v.Error == "" }

// Kind selects which artifact family a query is about.
type Kind string

// Recognized kinds.
const (
	CodeSystem Kind = "codesystem"
	ValueSet   Kind = "valueset"
)

// AuthList returns the server's ownership masks for the given kind.
func (s *Server) AuthList(kind Kind) []string {
	if kind == ValueSet {
		return s.AuthVSList
	}
	return s.AuthCSList
}

// Inventory returns the version's observed inventory for the given kind.
func (v *Version) Inventory(kind Kind) []string {
	if kind == ValueSet {
		return v.ValueSets
	}
	return v.CodeSystems
}

// UsedFor reports whether the server declares the named usage. An empty
// usage always passes.
func (s *Server) UsedFor(usage string) bool {
	if usage == "" {
		return true
	}
	for _, u := range s.UsageList {
		if u == usage {
			return true
		}
	}
	return false
}

// VersionBase strips a version qualifier from a canonical URL, so
// "http://loinc.org|2.77" becomes "http://loinc.org". URLs without a
// qualifier pass through unchanged.
func VersionBase(url string) string {
	if i := strings.IndexByte(url, '|'); i != -1 {
		return url[:i]
	}
	return url
}

// MatchesMask reports whether url matches a single ownership mask. A mask
// ending in `*` is a literal-prefix match; anything else is exact. A
// version-qualified URL matches if either the full URL or its base does.
func MatchesMask(mask, url string) bool {
	match := func(u string) bool {
		if strings.HasSuffix(mask, "*") {
			return strings.HasPrefix(u, mask[:len(mask)-1])
		}
		return u == mask
	}
	if match(url) {
		return true
	}
	if base := VersionBase(url); base != url {
		return match(base)
	}
	return false
}

// MatchesAnyMask reports whether url matches any of the masks.
func MatchesAnyMask(masks []string, url string) bool {
	for _, m := range masks {
		if MatchesMask(m, url) {
			return true
		}
	}
	return false
}

// Authoritative reports whether the server declares ownership of url for
// the given kind.
func (s *Server) Authoritative(kind Kind, url string) bool {
	return MatchesAnyMask(s.AuthList(kind), url)
}

// InInventory reports whether the version's observed inventory for the
// given kind contains url. Version qualifiers are ignored on both sides.
func (v *Version) InInventory(kind Kind, url string) bool {
	base := VersionBase(url)
	for _, u := range v.Inventory(kind) {
		if u == url || VersionBase(u) == base {
			return true
		}
	}
	return false
}

// VersionMatches reports whether an available FHIR release satisfies a
// requested one. "4.0" matches "4.0.1"; "4.0.1" does not match "4.0".
func VersionMatches(requested, available string) bool {
	if requested == "" || requested == available {
		return true
	}
	if strings.HasPrefix(available, requested+".") {
		return true
	}
	req := strings.Split(requested, ".")
	av := strings.Split(available, ".")
	if len(req) > len(av) {
		return false
	}
	for i := range req {
		if req[i] != av[i] {
			return false
		}
	}
	return true
}

// Status is the operational summary served by the status endpoint.
type Status struct {
	LastRun    time.Time `json:"lastRun"`
	Outcome    string    `json:"outcome"`
	Registries int       `json:"registries"`
	Servers    int       `json:"servers"`
	Versions   int       `json:"versions"`
}

// Status summarizes the snapshot.
func (s *Snapshot) Status() Status {
	st := Status{LastRun: s.LastRun, Outcome: s.Outcome, Registries: len(s.Registries)}
	for _, r := range s.Registries {
		st.Servers += len(r.Servers)
		for _, srv := range r.Servers {
			st.Versions += len(srv.Versions)
		}
	}
	return st
}
