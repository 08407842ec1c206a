package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/fhir-infra/fhirhub/internal/cron"
	"github.com/fhir-infra/fhirhub/packages"
	"github.com/fhir-infra/fhirhub/packages/crawler"
	pkgsqlite "github.com/fhir-infra/fhirhub/packages/sqlite"
	"github.com/fhir-infra/fhirhub/registry"
)

func testPackageStore(t *testing.T) *pkgsqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := pkgsqlite.Open(ctx, filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	pubDate := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []struct {
		GUID, ID, Version string
	}{
		{"g1", "example.pkg.a", "1.0.0"},
		{"g2", "example.pkg.b", "2.0.0"},
	} {
		info := &packages.VersionInfo{
			ID:           v.ID,
			Version:      v.Version,
			Canonical:    "http://example.org/fhir/" + v.ID,
			FHIRVersions: []string{"4.0.1"},
			Kind:         packages.KindIG,
		}
		err := s.Commit(ctx, []byte("tgz-"+v.GUID), info, pubDate.AddDate(0, 0, i), v.GUID, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func get(t *testing.T, srv *httptest.Server, path string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, buf
}

func TestPackagesRoutes(t *testing.T) {
	t.Parallel()
	api := New(&Options{PackageStore: testPackageStore(t)})
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	res, buf := get(t, srv, "/packages/catalog?name=pkg.a", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog: got: %d", res.StatusCode)
	}
	var rows []packages.SearchResult
	if err := json.Unmarshal(buf, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "example.pkg.a" {
		t.Errorf("got: %+v", rows)
	}

	_, buf = get(t, srv, "/packages/catalog?name=pkg.a&objWrapper=1", nil)
	var wrapped struct {
		Objects []struct {
			Package packages.SearchResult `json:"package"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(buf, &wrapped); err != nil {
		t.Fatal(err)
	}
	if len(wrapped.Objects) != 1 || wrapped.Objects[0].Package.Name != "example.pkg.a" {
		t.Errorf("got: %+v", wrapped)
	}

	res, buf = get(t, srv, "/packages/catalog", map[string]string{"Accept": "text/html"})
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type: got: %q", ct)
	}
	if !strings.Contains(string(buf), "example.pkg.b") {
		t.Error("package missing from the rendered page")
	}

	_, buf = get(t, srv, "/packages/stats", nil)
	var st struct {
		Packages int `json:"packages"`
		Versions int `json:"versions"`
	}
	if err := json.Unmarshal(buf, &st); err != nil {
		t.Fatal(err)
	}
	if st.Packages != 2 || st.Versions != 2 {
		t.Errorf("stats: got: %+v", st)
	}

	res, buf = get(t, srv, "/packages/download/example.pkg.a/1.0.0", nil)
	if res.StatusCode != http.StatusOK || string(buf) != "tgz-g1" {
		t.Errorf("download: got: %d %q", res.StatusCode, buf)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/tar+gzip" {
		t.Errorf("download content type: got: %q", ct)
	}
	if res, _ := get(t, srv, "/packages/download/example.pkg.a/9.9.9", nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("missing download: got: %d, want: 404", res.StatusCode)
	}

	res, _ = get(t, srv, "/metrics", nil)
	if res.StatusCode != http.StatusOK {
		t.Errorf("metrics: got: %d", res.StatusCode)
	}
}

func TestRegistryRoutes(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	snap := &registry.Snapshot{
		Address: "https://registry.example/master.json",
		LastRun: time.Now().UTC(),
		Outcome: "ok",
		Registries: []*registry.Registry{{
			Code: "r1",
			Servers: []*registry.Server{{
				Code:       "s1",
				Name:       "tx.example",
				AuthCSList: []string{"http://loinc.org*"},
				Versions: []*registry.Version{
					{Version: "4.0.1", Address: "https://tx.example/r4"},
					{Version: "5.0.0", Address: "https://tx.example/r5",
						ValueSets: []string{"http://hl7.org/fhir/ValueSet/observation-codes"}},
				},
			}},
		}},
	}
	file := filepath.Join(t.TempDir(), "registry-snapshot.json")
	buf, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, buf, 0644); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(snap.Address, registry.WithSnapshotFile(file))
	if err := reg.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(New(&Options{Registry: reg}))
	t.Cleanup(srv.Close)

	res, buf := get(t, srv, "/registry/resolve?url=http://loinc.org&fhirVersion=4.0", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: got: %d", res.StatusCode)
	}
	var rr struct {
		FormatVersion string           `json:"formatVersion"`
		Authoritative []registry.Entry `json:"authoritative"`
		Candidates    []registry.Entry `json:"candidates"`
	}
	if err := json.Unmarshal(buf, &rr); err != nil {
		t.Fatal(err)
	}
	if rr.FormatVersion != "1" || len(rr.Authoritative) != 1 || rr.Authoritative[0].URL != "https://tx.example/r4" {
		t.Errorf("got: %+v", rr)
	}

	// valueSet switches the lookup kind.
	_, buf = get(t, srv, "/registry/resolve?valueSet=http://hl7.org/fhir/ValueSet/observation-codes", nil)
	rr.Candidates = nil
	if err := json.Unmarshal(buf, &rr); err != nil {
		t.Fatal(err)
	}
	if len(rr.Candidates) != 1 || rr.Candidates[0].URL != "https://tx.example/r5" {
		t.Errorf("valueSet resolve: %+v", rr)
	}

	if res, _ := get(t, srv, "/registry/resolve", nil); res.StatusCode != http.StatusBadRequest {
		t.Errorf("missing url: got: %d, want: 400", res.StatusCode)
	}

	_, buf = get(t, srv, "/registry/status", nil)
	var st registry.Status
	if err := json.Unmarshal(buf, &st); err != nil {
		t.Fatal(err)
	}
	if st.Outcome != "ok" || st.Servers != 1 || st.Versions != 2 {
		t.Errorf("status: got: %+v", st)
	}
}

func TestCrawlControl(t *testing.T) {
	t.Parallel()
	ran := make(chan struct{}, 1)
	sched, err := cron.New("test", "0 0 * * *", func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	store := testPackageStore(t)
	cr := crawler.New(store, "https://unused.example/master.json", t.TempDir())
	srv := httptest.NewServer(New(&Options{PackageStore: store, Crawler: cr, CrawlSchedule: sched}))
	t.Cleanup(srv.Close)

	// No run has completed yet.
	res, _ := get(t, srv, "/packages/log", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("log before any run: got: %d, want: 404", res.StatusCode)
	}

	res, buf := post(t, srv, "/packages/crawl")
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("crawl: got: %d %s", res.StatusCode, buf)
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("forced crawl never ran")
	}

	// The forced run finishes shortly after the job returns.
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, buf = get(t, srv, "/packages/status", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status: got: %d", res.StatusCode)
		}
		var st struct {
			Running bool `json:"running"`
		}
		if err := json.Unmarshal(buf, &st); err != nil {
			t.Fatal(err)
		}
		if !st.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func post(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := srv.Client().Post(srv.URL+path, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, buf
}
