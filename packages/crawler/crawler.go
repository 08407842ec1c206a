// Package crawler implements the scheduled feed crawler that populates the
// package catalog.
//
// A run fetches the master registry JSON, walks each declared RSS feed in
// order, and for every unseen item fetches the package archive, derives its
// metadata, mirrors it to disk, and commits it to the store. Failures are
// isolated: an item error never aborts its feed, a feed error never aborts
// the run, and only a master fetch failure is fatal. Everything that
// happened is captured in a [RunLog].
package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/httputil"
	"github.com/fhir-infra/fhirhub/internal/tarball"
	"github.com/fhir-infra/fhirhub/internal/xmlutil"
	"github.com/fhir-infra/fhirhub/packages"
)

// Store is the catalog surface the crawler writes through.
type Store interface {
	HasStored(ctx context.Context, guid string) (bool, error)
	Commit(ctx context.Context, archive []byte, info *packages.VersionInfo, pubDate time.Time, guid string, urls []string) error
}

// RestrictionFunc reports whether the named package may be ingested. The
// master feed's package-restrictions block is under-specified, so this is a
// pluggable predicate; the default allows everything.
type RestrictionFunc func(id string) bool

// Option is the type for the options of [New].
type Option func(*Crawler)

// WithClient sets the http.Client used for all outbound fetches.
func WithClient(c *http.Client) Option {
	return func(cr *Crawler) { cr.c = c }
}

// WithRestriction sets the package restriction predicate.
func WithRestriction(f RestrictionFunc) Option {
	return func(cr *Crawler) { cr.allowed = f }
}

// Crawler ingests package feeds into a Store.
type Crawler struct {
	store   Store
	c       *http.Client
	master  string
	mirror  string
	allowed RestrictionFunc

	mu   sync.Mutex
	last *RunLog
	runs int
}

// New returns a Crawler reading the master feed list at master and
// mirroring archives into the mirror directory.
func New(store Store, master, mirror string, opt ...Option) *Crawler {
	c := &Crawler{
		store:   store,
		c:       http.DefaultClient,
		master:  master,
		mirror:  mirror,
		allowed: func(string) bool { return true },
	}
	for _, o := range opt {
		o(c)
	}
	return c
}

// LastRun returns the log of the most recently completed run, or nil before
// the first run finishes.
func (c *Crawler) LastRun() *RunLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// MasterDoc is the master registry document.
type masterDoc struct {
	Feeds []feedDesc `json:"feeds"`
	// Package-restrictions is carried but deliberately not interpreted;
	// restriction checking is the pluggable predicate.
	PackageRestrictions json.RawMessage `json:"package-restrictions"`
}

type feedDesc struct {
	URL    string `json:"url"`
	Errors string `json:"errors"`
}

// ContactEmail undoes the master feed's address obfuscation.
func (f *feedDesc) contactEmail() string {
	return strings.NewReplacer("|", "@", "_", ".").Replace(f.Errors)
}

type rssDoc struct {
	XMLName xml.Name  `xml:"rss"`
	Items   []rssItem `xml:"channel>item"`
}

type rssItem struct {
	GUID              string `xml:"guid"`
	Title             string `xml:"title"`
	PubDate           string `xml:"pubDate"`
	Link              string `xml:"link"`
	NotForPublication string `xml:"notForPublication"`
}

// Run executes one crawl. The returned error is non-nil only for fatal
// conditions (master fetch or parse failure, shutdown); everything else is
// recorded in the run log, which is retained for [Crawler.LastRun] whether
// or not the run was fatal.
func (c *Crawler) Run(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "packages/crawler/Crawler.Run")
	runCounter.Inc()
	c.mu.Lock()
	c.runs++
	run := &RunLog{
		RunNumber: c.runs,
		StartTime: time.Now(),
		Master:    c.master,
		Feeds:     []*FeedLog{},
	}
	c.mu.Unlock()
	defer func() {
		run.EndTime = time.Now()
		run.RunTime = run.EndTime.Sub(run.StartTime).String()
		runDuration.Observe(run.EndTime.Sub(run.StartTime).Seconds())
		c.mu.Lock()
		c.last = run
		c.mu.Unlock()
		zlog.Info(ctx).
			Int("run", run.RunNumber).
			Int("feeds", len(run.Feeds)).
			Int64("bytes", run.TotalBytes).
			Str("duration", run.RunTime).
			Msg("crawler run finished")
	}()
	zlog.Info(ctx).Int("run", run.RunNumber).Str("master", c.master).Msg("crawler run starting")

	buf, err := httputil.Get(ctx, c.c, c.master, httputil.DocumentTimeout)
	if err != nil {
		run.FatalException = err.Error()
		return fmt.Errorf("master fetch failed: %w", err)
	}
	var master masterDoc
	if err := json.Unmarshal(buf, &master); err != nil {
		err = &fhirhub.Error{Kind: fhirhub.ErrMalformedJSON, Op: "Crawler.Run", Inner: err}
		run.FatalException = err.Error()
		return err
	}

	for i := range master.Feeds {
		if err := ctx.Err(); err != nil {
			// Shutdown: the partial log is preserved as-is.
			run.FatalException = err.Error()
			return err
		}
		fl := &FeedLog{URL: master.Feeds[i].URL, Items: []*ItemLog{}}
		run.Feeds = append(run.Feeds, fl)
		c.crawlFeed(ctx, run, fl)
		if fl.Exception != "" || fl.RateLimited {
			fl.ContactEmail = master.Feeds[i].contactEmail()
		}
	}
	return nil
}

func (c *Crawler) crawlFeed(ctx context.Context, run *RunLog, fl *FeedLog) {
	ctx = zlog.ContextWithValues(ctx, "feed", fl.URL)
	start := time.Now()
	url := strings.Replace(fl.URL, "http://", "https://", 1)
	buf, err := httputil.Get(ctx, c.c, url, httputil.DocumentTimeout)
	if err != nil {
		fl.FailTime = time.Since(start).String()
		if errors.Is(err, fhirhub.ErrRateLimited) {
			fl.RateLimited = true
			fl.RateLimitMessage = err.Error()
			zlog.Warn(ctx).Msg("feed rate limited, skipping")
			return
		}
		fl.Exception = err.Error()
		zlog.Warn(ctx).Err(err).Msg("feed fetch failed")
		return
	}
	fl.FetchTime = time.Since(start).String()

	var doc rssDoc
	dec := xml.NewDecoder(bytes.NewReader(buf))
	dec.CharsetReader = xmlutil.CharsetReader
	if err := dec.Decode(&doc); err != nil {
		e := &fhirhub.Error{Kind: fhirhub.ErrMalformedFeed, Op: "Crawler.crawlFeed", Inner: err}
		fl.Exception = e.Error()
		zlog.Warn(ctx).Err(err).Msg("feed did not parse")
		return
	}

	for i := range doc.Items {
		il := &ItemLog{
			GUID: strings.TrimSpace(doc.Items[i].GUID),
			ID:   strings.TrimSpace(doc.Items[i].Title),
			URL:  strings.TrimSpace(doc.Items[i].Link),
		}
		fl.Items = append(fl.Items, il)
		err := c.processItem(ctx, run, &doc.Items[i], il)
		itemCounter.WithLabelValues(il.Status).Inc()
		if errors.Is(err, fhirhub.ErrRateLimited) {
			// Stop this feed; the run moves on to the next one.
			fl.RateLimited = true
			fl.RateLimitMessage = err.Error()
			zlog.Warn(ctx).Str("guid", il.GUID).Msg("rate limited mid-feed, abandoning feed")
			return
		}
	}
}

// ProcessItem handles one feed item. The only non-nil return is a rate
// limit, which the caller uses to abandon the feed; every other failure
// lands on the item log entry.
func (c *Crawler) processItem(ctx context.Context, run *RunLog, item *rssItem, il *ItemLog) error {
	fail := func(err error) {
		il.Status = StatusError
		il.Error = err.Error()
		zlog.Info(ctx).Str("guid", il.GUID).Err(err).Msg("item rejected")
	}

	if il.GUID == "" {
		il.Status = StatusError
		il.Error = "item has no guid"
		return nil
	}
	if il.ID == "" {
		il.Status = StatusError
		il.Error = "item has no title"
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(item.NotForPublication), "true") {
		il.Status = StatusNotForPublication
		return nil
	}
	if !c.allowed(il.ID) {
		il.Status = StatusRestricted
		return nil
	}

	stored, err := c.store.HasStored(ctx, il.GUID)
	if err != nil {
		fail(err)
		return nil
	}
	if stored {
		il.Status = StatusAlreadyProcessed
		return nil
	}

	pubDate, err := packages.ParsePubDate(item.PubDate)
	if err != nil {
		fail(err)
		return nil
	}

	link := strings.Replace(il.URL, "http://", "https://", 1)
	buf, err := httputil.Get(ctx, c.c, link, httputil.ArchiveTimeout)
	switch {
	case errors.Is(err, fhirhub.ErrRateLimited):
		il.Status = StatusError
		il.Error = err.Error()
		return err
	case err != nil:
		fail(err)
		return nil
	}
	run.TotalBytes += int64(len(buf))
	bytesCounter.Add(float64(len(buf)))

	members, err := tarball.Extract(buf, packages.Members...)
	if err != nil {
		fail(err)
		return nil
	}
	info, err := packages.DeriveMetadata(members)
	if err != nil {
		fail(err)
		return nil
	}
	if info.NotForPublication {
		il.Status = StatusNotForPublication
		return nil
	}
	if info.ID != il.ID {
		il.Warning = fmt.Sprintf("feed title %q disagrees with package name %q", il.ID, info.ID)
	}
	if err := info.Validate(); err != nil {
		fail(err)
		return nil
	}

	name := fmt.Sprintf("%s-%s.tgz", info.ID, info.Version)
	if err := os.WriteFile(filepath.Join(c.mirror, name), buf, 0644); err != nil {
		fail(err)
		return nil
	}

	urls := make([]string, 0, 2)
	if info.Canonical != "" {
		urls = append(urls, info.Canonical)
	}
	if info.Homepage != "" && info.Homepage != info.Canonical {
		urls = append(urls, info.Homepage)
	}
	if err := c.store.Commit(ctx, buf, info, pubDate, il.GUID, urls); err != nil {
		fail(err)
		return nil
	}
	il.Status = StatusFetched
	zlog.Info(ctx).Str("id", info.ID).Str("version", info.Version).Msg("package indexed")
	return nil
}
