package httpapi

import (
	_ "embed" // embed the catalog page
	"html/template"
	"net/http"
	"strings"

	"github.com/quay/zlog"

	"github.com/fhir-infra/fhirhub/internal/jsonerr"
	"github.com/fhir-infra/fhirhub/packages"
)

//go:embed catalog.gohtml
var catalogPage string

var catalogTmpl = template.Must(template.New("catalog").Parse(catalogPage))

func (a *API) packagesCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "httpapi/API.packagesCatalog")
	q := r.URL.Query()
	f := &packages.SearchFilter{
		Name:         q.Get("name"),
		DependsOn:    q.Get("dependson"),
		CanonicalPkg: q.Get("canonicalPkg"),
		CanonicalURL: q.Get("canonicalUrl"),
		FHIRVersion:  q.Get("fhirVersion"),
		Dependency:   q.Get("dependency"),
		Sort:         q.Get("sort"),
	}
	rows, err := a.opts.PackageStore.Search(ctx, f)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("catalog search failed")
		jsonerr.FromError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := catalogTmpl.Execute(w, rows); err != nil {
			zlog.Warn(ctx).Err(err).Msg("catalog page render failed")
		}
		return
	}

	if q.Get("objWrapper") == "1" || q.Get("objWrapper") == "true" {
		type wrapped struct {
			Package packages.SearchResult `json:"package"`
		}
		objs := make([]wrapped, len(rows))
		for i := range rows {
			objs[i] = wrapped{rows[i]}
		}
		writeJSON(w, map[string][]wrapped{"objects": objs})
		return
	}
	writeJSON(w, rows)
}
