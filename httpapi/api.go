// Package httpapi wires the HTTP surface: the package catalog, the
// terminology registry resolver, the SHL manifest service, and the
// operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/cron"
	"github.com/fhir-infra/fhirhub/internal/jsonerr"
	"github.com/fhir-infra/fhirhub/packages/crawler"
	pkgsqlite "github.com/fhir-infra/fhirhub/packages/sqlite"
	"github.com/fhir-infra/fhirhub/registry"
	"github.com/fhir-infra/fhirhub/shl"
)

// Options carries the subsystem handles the API serves. Nil members
// disable their routes, so a deployment can run any subset of modules.
type Options struct {
	PackageStore  *pkgsqlite.Store
	Crawler       *crawler.Crawler
	CrawlSchedule *cron.Schedule
	Registry      *registry.Crawler
	SHL           *shl.Service
}

// API is the assembled handler.
type API struct {
	mux  *http.ServeMux
	opts Options
}

// New builds the route table from the enabled subsystems.
func New(opts *Options) *API {
	a := &API{mux: http.NewServeMux(), opts: *opts}
	if opts.PackageStore != nil {
		a.mux.HandleFunc("GET /packages", a.packagesLanding)
		a.mux.HandleFunc("GET /packages/catalog", a.packagesCatalog)
		a.mux.HandleFunc("GET /packages/stats", a.packagesStats)
		a.mux.HandleFunc("GET /packages/download/{id}/{version}", a.packagesDownload)
	}
	if opts.Crawler != nil {
		a.mux.HandleFunc("GET /packages/log", a.packagesLog)
		a.mux.HandleFunc("GET /packages/status", a.packagesStatus)
		a.mux.HandleFunc("POST /packages/crawl", a.packagesCrawl)
	}
	if opts.Registry != nil {
		a.mux.HandleFunc("GET /registry/resolve", a.registryResolve)
		a.mux.HandleFunc("GET /registry/status", a.registryStatus)
	}
	if s := opts.SHL; s != nil {
		a.mux.HandleFunc("POST /shl/create", s.Create)
		a.mux.HandleFunc("POST /shl/upload", s.Upload)
		a.mux.HandleFunc("GET /shl/access/{uuid}", s.Access)
		a.mux.HandleFunc("POST /shl/access/{uuid}", s.Access)
		a.mux.HandleFunc("GET /shl/file/{fileId}", s.File)
		a.mux.HandleFunc("POST /shl/sign", s.Sign)
	}
	a.mux.Handle("GET /metrics", promhttp.Handler())
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func (a *API) packagesLanding(w http.ResponseWriter, r *http.Request) {
	st, err := a.opts.PackageStore.Stats(r.Context())
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"service": "fhirhub package catalog",
		"stats":   st,
		"catalog": "/packages/catalog",
	})
}

func (a *API) packagesStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.opts.PackageStore.Stats(r.Context())
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	writeJSON(w, st)
}

func (a *API) packagesDownload(w http.ResponseWriter, r *http.Request) {
	buf, err := a.opts.PackageStore.Archive(r.Context(), r.PathValue("id"), r.PathValue("version"))
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/tar+gzip")
	w.Header().Set("Content-Disposition",
		`attachment; filename="`+r.PathValue("id")+`-`+r.PathValue("version")+`.tgz"`)
	w.Write(buf)
}

func (a *API) packagesLog(w http.ResponseWriter, r *http.Request) {
	run := a.opts.Crawler.LastRun()
	if run == nil {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrNotFound, Message: "no run has completed"})
		return
	}
	writeJSON(w, run)
}

func (a *API) packagesStatus(w http.ResponseWriter, r *http.Request) {
	st := struct {
		Running bool      `json:"running"`
		LastRun time.Time `json:"lastRun"`
		NextRun time.Time `json:"nextRun"`
	}{}
	if s := a.opts.CrawlSchedule; s != nil {
		st.Running = s.Running()
		st.LastRun = s.Last()
		st.NextRun = s.Next()
	}
	writeJSON(w, st)
}

func (a *API) packagesCrawl(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "httpapi/API.packagesCrawl")
	s := a.opts.CrawlSchedule
	if s == nil {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrNotFound, Message: "crawling is not scheduled"})
		return
	}
	if s.Running() {
		writeJSON(w, map[string]bool{"started": false})
		return
	}
	zlog.Info(ctx).Msg("crawl forced")
	// Detach from the request: the run outlives this response.
	go s.TryRun(context.WithoutCancel(ctx))
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]bool{"started": true})
}

func (a *API) registryResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, url := registry.CodeSystem, q.Get("url")
	if vs := q.Get("valueSet"); vs != "" {
		kind, url = registry.ValueSet, vs
	}
	if url == "" {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrValidation, Message: "url or valueSet is required"})
		return
	}
	authOnly := q.Get("authoritativeOnly") == "true" || q.Get("authoritativeOnly") == "1"
	res := a.opts.Registry.Snapshot().Resolve(&registry.Query{
		Kind:              kind,
		FHIRVersion:       q.Get("fhirVersion"),
		URL:               url,
		Usage:             q.Get("usage"),
		AuthoritativeOnly: authOnly,
	})
	writeJSON(w, res)
}

func (a *API) registryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.opts.Registry.Snapshot().Status())
}
