package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/httputil"
)

// ProbeLimit bounds concurrent endpoint probes within one crawl.
const probeLimit = 4

// InventoryGrace is how long a stale inventory survives probe failures. A
// version that has been failing longer than this gets its inventories
// cleared rather than serving arbitrarily old data.
const inventoryGrace = 7 * 24 * time.Hour

// Option is the type for the options of [New].
type Option func(*Crawler)

// WithClient sets the http.Client used for all outbound fetches.
func WithClient(c *http.Client) Option {
	return func(cr *Crawler) { cr.c = c }
}

// WithSnapshotFile enables JSON persistence: the snapshot is written to
// path after every publish, and [Crawler.Restore] reads it back.
func WithSnapshotFile(path string) Option {
	return func(cr *Crawler) { cr.file = path }
}

// Crawler probes the terminology topology and publishes snapshots.
type Crawler struct {
	c      *http.Client
	master string
	file   string
	snap   atomic.Pointer[Snapshot]
}

// New returns a Crawler reading the master registry document at master.
func New(master string, opt ...Option) *Crawler {
	c := &Crawler{
		c:      http.DefaultClient,
		master: master,
	}
	for _, o := range opt {
		o(c)
	}
	c.snap.Store(&Snapshot{Address: master, Outcome: "never run", Registries: []*Registry{}})
	return c
}

// Snapshot returns the currently published snapshot. The returned tree is
// immutable.
func (c *Crawler) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Restore loads a previously persisted snapshot. A missing file is not an
// error; the crawler just starts cold.
func (c *Crawler) Restore(ctx context.Context) error {
	if c.file == "" {
		return nil
	}
	buf, err := os.ReadFile(c.file)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return nil
	default:
		return &fhirhub.Error{Kind: fhirhub.ErrStore, Op: "Crawler.Restore", Inner: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrMalformedJSON, Op: "Crawler.Restore", Inner: err}
	}
	c.snap.Store(&snap)
	zlog.Info(ctx).
		Str("component", "registry/Crawler.Restore").
		Str("file", c.file).
		Time("lastRun", snap.LastRun).
		Msg("snapshot restored")
	return nil
}

func (c *Crawler) persist(ctx context.Context, snap *Snapshot) {
	if c.file == "" {
		return
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("snapshot did not marshal")
		return
	}
	// Write-then-rename so a crash never leaves a torn file.
	tmp := c.file + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err == nil {
		err = os.Rename(tmp, c.file)
	}
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("file", c.file).Msg("snapshot persist failed")
	}
}

// Master and registry documents.

type masterDoc struct {
	Registries []registryDesc `json:"registries"`
}

type registryDesc struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Authority string `json:"authority"`
}

type registryDoc struct {
	Servers []serverDesc `json:"servers"`
}

type serverDesc struct {
	Code       string        `json:"code"`
	Name       string        `json:"name"`
	Address    string        `json:"address"`
	AccessInfo string        `json:"accessInfo"`
	AuthCSList []string      `json:"authCSList"`
	AuthVSList []string      `json:"authVSList"`
	UsageList  []string      `json:"usageList"`
	Versions   []versionDesc `json:"versions"`
}

type versionDesc struct {
	Version  string `json:"version"`
	Address  string `json:"address"`
	Security string `json:"security"`
}

// FHIR documents returned by probes.

type capabilityStatement struct {
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
	FHIRVersion string `json:"fhirVersion"`
}

type bundle struct {
	Entry []struct {
		Resource struct {
			URL string `json:"url"`
		} `json:"resource"`
	} `json:"entry"`
}

// Run executes one crawl: fetch the master document, fetch every declared
// registry, probe every declared server version, then publish the new tree.
// Failures below the master document land on the node that failed; only a
// master fetch or parse failure is fatal, and even then the failed snapshot
// is published so the status endpoint can report it.
func (c *Crawler) Run(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "registry/Crawler.Run")
	runCounter.Inc()
	start := time.Now()
	next := &Snapshot{Address: c.master, LastRun: start, Registries: []*Registry{}}
	prev := c.snap.Load()
	defer func() {
		c.snap.Store(next)
		c.persist(ctx, next)
		st := next.Status()
		zlog.Info(ctx).
			Str("outcome", next.Outcome).
			Int("registries", st.Registries).
			Int("servers", st.Servers).
			Int("versions", st.Versions).
			Str("duration", time.Since(start).String()).
			Msg("registry crawl finished")
	}()

	buf, err := httputil.Get(ctx, c.c, c.master, httputil.DocumentTimeout)
	if err != nil {
		next.Outcome = err.Error()
		return fmt.Errorf("master registry fetch failed: %w", err)
	}
	var master masterDoc
	if err := json.Unmarshal(buf, &master); err != nil {
		err = &fhirhub.Error{Kind: fhirhub.ErrMalformedJSON, Op: "Crawler.Run", Inner: err}
		next.Outcome = err.Error()
		return err
	}

	for _, desc := range master.Registries {
		if err := ctx.Err(); err != nil {
			next.Outcome = err.Error()
			return err
		}
		reg := &Registry{
			Code:      desc.Code,
			Name:      desc.Name,
			Address:   desc.Address,
			Authority: desc.Authority,
			Servers:   []*Server{},
		}
		next.Registries = append(next.Registries, reg)
		c.crawlRegistry(ctx, prev, reg)
	}
	next.Outcome = "ok"
	return nil
}

func (c *Crawler) crawlRegistry(ctx context.Context, prev *Snapshot, reg *Registry) {
	ctx = zlog.ContextWithValues(ctx, "registry", reg.Code)
	buf, err := httputil.Get(ctx, c.c, reg.Address, httputil.DocumentTimeout)
	if err != nil {
		reg.Error = err.Error()
		zlog.Warn(ctx).Err(err).Msg("registry fetch failed")
		return
	}
	var doc registryDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		reg.Error = (&fhirhub.Error{Kind: fhirhub.ErrMalformedJSON, Op: "Crawler.crawlRegistry", Inner: err}).Error()
		zlog.Warn(ctx).Err(err).Msg("registry document did not parse")
		return
	}

	sem := semaphore.NewWeighted(probeLimit)
	eg, ectx := errgroup.WithContext(ctx)
	for _, sd := range doc.Servers {
		srv := &Server{
			Code:       sd.Code,
			Name:       sd.Name,
			Address:    sd.Address,
			AccessInfo: sd.AccessInfo,
			AuthCSList: sd.AuthCSList,
			AuthVSList: sd.AuthVSList,
			UsageList:  sd.UsageList,
			Versions:   []*Version{},
		}
		reg.Servers = append(reg.Servers, srv)
		for _, vd := range sd.Versions {
			v := &Version{
				Version:  vd.Version,
				Address:  vd.Address,
				Security: vd.Security,
			}
			if v.Address == "" {
				v.Address = srv.Address
			}
			srv.Versions = append(srv.Versions, v)
			eg.Go(func() error {
				if err := sem.Acquire(ectx, 1); err != nil {
					v.Error = err.Error()
					return nil
				}
				defer sem.Release(1)
				c.probe(ectx, prev.findVersion(reg.Code, srv.Code, v.Version), v)
				return nil
			})
		}
	}
	// Probe errors land on their version; the group never fails.
	eg.Wait()
}

// Probe checks one server version: capability statement plus the code
// system and value set inventories. On failure the previous run's
// inventories are carried forward while they are still fresh.
func (c *Crawler) probe(ctx context.Context, prev, v *Version) {
	ctx = zlog.ContextWithValues(ctx, "endpoint", v.Address, "version", v.Version)
	start := time.Now()
	err := c.probeEndpoint(ctx, v)
	if err != nil {
		probeCounter.WithLabelValues("error").Inc()
		v.Error = err.Error()
		if prev != nil && time.Since(prev.LastSuccess) < inventoryGrace {
			v.LastSuccess = prev.LastSuccess
			v.LastTat = prev.LastTat
			v.CodeSystems = prev.CodeSystems
			v.ValueSets = prev.ValueSets
			v.Software = prev.Software
		}
		zlog.Warn(ctx).Err(err).Msg("probe failed")
		return
	}
	probeCounter.WithLabelValues("ok").Inc()
	v.Error = ""
	v.LastSuccess = time.Now()
	v.LastTat = time.Since(start).String()
	zlog.Debug(ctx).
		Int("codeSystems", len(v.CodeSystems)).
		Int("valueSets", len(v.ValueSets)).
		Msg("probe succeeded")
}

func (c *Crawler) probeEndpoint(ctx context.Context, v *Version) error {
	buf, err := httputil.Get(ctx, c.c, v.Address+"/metadata", httputil.DocumentTimeout)
	if err != nil {
		return err
	}
	var cs capabilityStatement
	if err := json.Unmarshal(buf, &cs); err != nil {
		return &fhirhub.Error{Kind: fhirhub.ErrMalformedJSON, Op: "Crawler.probe", Inner: err}
	}
	v.Software = strings.TrimSpace(cs.Software.Name + " " + cs.Software.Version)

	if v.CodeSystems, err = c.inventory(ctx, v.Address+"/CodeSystem?_summary=true"); err != nil {
		return err
	}
	if v.ValueSets, err = c.inventory(ctx, v.Address+"/ValueSet?_summary=true"); err != nil {
		return err
	}
	return nil
}

// Inventory fetches a summary search Bundle and returns the sorted, unique
// canonical URLs of its entries.
func (c *Crawler) inventory(ctx context.Context, url string) ([]string, error) {
	buf, err := httputil.Get(ctx, c.c, url, httputil.DocumentTimeout)
	if err != nil {
		return nil, err
	}
	var b bundle
	if err := json.Unmarshal(buf, &b); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrMalformedJSON, Op: "Crawler.inventory", Inner: err}
	}
	seen := make(map[string]struct{}, len(b.Entry))
	urls := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		u := e.Resource.URL
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

func (s *Snapshot) findVersion(regCode, srvCode, version string) *Version {
	for _, r := range s.Registries {
		if r.Code != regCode {
			continue
		}
		for _, srv := range r.Servers {
			if srv.Code != srvCode {
				continue
			}
			for _, v := range srv.Versions {
				if v.Version == version {
					return v
				}
			}
		}
	}
	return nil
}
