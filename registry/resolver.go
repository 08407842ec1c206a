package registry

import "encoding/json"

// Query is one resolution request.
type Query struct {
	Kind              Kind
	FHIRVersion       string
	URL               string
	Usage             string
	AuthoritativeOnly bool
}

// Entry is one (server, version) offer in a resolution result.
type Entry struct {
	ServerName string `json:"server-name"`
	URL        string `json:"url"`
	Security   string `json:"security,omitempty"`
	AccessInfo string `json:"access_info,omitempty"`
}

// Result is the resolver's answer. Candidates is nil when the query asked
// for authoritative servers only, and the field is then omitted from the
// JSON encoding; an empty-but-present list means "nothing matched".
type Result struct {
	FormatVersion string
	RegistryURL   string
	Authoritative []Entry
	Candidates    []Entry
}

// MarshalJSON implements json.Marshaler.
func (r *Result) MarshalJSON() ([]byte, error) {
	type common struct {
		FormatVersion string  `json:"formatVersion"`
		RegistryURL   string  `json:"registry-url"`
		Authoritative []Entry `json:"authoritative"`
	}
	c := common{r.FormatVersion, r.RegistryURL, r.Authoritative}
	if r.Candidates == nil {
		return json.Marshal(&c)
	}
	return json.Marshal(&struct {
		common
		Candidates []Entry `json:"candidates"`
	}{c, r.Candidates})
}

func entry(s *Server, v *Version) Entry {
	return Entry{
		ServerName: s.Name,
		URL:        v.Address,
		Security:   v.Security,
		AccessInfo: s.AccessInfo,
	}
}

// Resolve ranks every (registry, server, version) triple in the snapshot
// against the query.
//
// A server that declares ownership of the URL is authoritative, and all of
// its usable versions passing the FHIR-version filter are offered: the
// operator's claim covers every hosted release, whatever the probes
// observed. Other servers are candidates when a version's observed
// inventory contains the URL. The usage filter narrows candidates only;
// authoritative servers are always listed. Ordering is stable by registry,
// server, and version declaration order.
func (s *Snapshot) Resolve(q *Query) *Result {
	resolveCounter.Inc()
	res := &Result{
		FormatVersion: "1",
		RegistryURL:   s.Address,
		Authoritative: []Entry{},
	}
	if !q.AuthoritativeOnly {
		res.Candidates = []Entry{}
	}
	for _, reg := range s.Registries {
		for _, srv := range reg.Servers {
			auth := srv.Authoritative(q.Kind, q.URL)
			if !auth && (q.AuthoritativeOnly || !srv.UsedFor(q.Usage)) {
				continue
			}
			for _, v := range srv.Versions {
				if !v.Usable() || !VersionMatches(q.FHIRVersion, v.Version) {
					continue
				}
				switch {
				case auth:
					res.Authoritative = append(res.Authoritative, entry(srv, v))
				case v.InInventory(q.Kind, q.URL):
					res.Candidates = append(res.Candidates, entry(srv, v))
				}
			}
		}
	}
	return res
}

// FindBestServer returns the first authoritative usable version matching
// the filter, falling back to the first candidate, in the same order
// Resolve uses. Both returns are nil when nothing matches.
func (s *Snapshot) FindBestServer(kind Kind, url, versionFilter string) (*Server, *Version) {
	var candSrv *Server
	var candVer *Version
	for _, reg := range s.Registries {
		for _, srv := range reg.Servers {
			auth := srv.Authoritative(kind, url)
			for _, v := range srv.Versions {
				if !v.Usable() || !VersionMatches(versionFilter, v.Version) {
					continue
				}
				if auth {
					return srv, v
				}
				if candSrv == nil && v.InInventory(kind, url) {
					candSrv, candVer = srv, v
				}
			}
		}
	}
	return candSrv, candVer
}
