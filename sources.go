package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// timeNow is replaced in tests to control recorded timestamps.
var timeNow = time.Now

const (
	// How often a subreddit is re-scraped in watch mode, and how long the
	// archiver pauses between sources.  Matches the pacing of a polite
	// unauthenticated client.
	defaultScrapeInterval = 1800 // seconds
	defaultScrapeDelay    = 5    // seconds

	sourcesFileName    = "sources.json"
	sourceStateName    = "reddit.json"
	subredditsDirName  = "r"
	sourceDirMissingOK = true
)

var (
	ErrSourceNotFound   = errors.New("source not found")
	ErrInvalidSourceURL = errors.New("not a valid subreddit url")
)

// SourceOptions carries the per-source settings a caller may change.  Nil
// pointer fields mean "leave unchanged".
type SourceOptions struct {
	ScrapeInterval *int
	ScrapeDelay    *int
	DownloadPosts  *bool
	NoExport       *bool
	NSFW           *bool
	Disabled       *bool
}

// sourceRecord is the on-disk shape of one source entry, shared between the
// registry file and the per-source state sidecar.
type sourceRecord struct {
	AddedAt        *int64 `json:"added_at,omitempty"`
	LastScraped    *int64 `json:"last_scraped,omitempty"`
	ScrapeInterval int    `json:"scrape_interval"`
	ScrapeDelay    int    `json:"scrape_delay"`
	DownloadPosts  bool   `json:"download_posts,omitempty"`
	NoExport       bool   `json:"no_export,omitempty"`
	NSFW           bool   `json:"nsfw,omitempty"`
	Disabled       bool   `json:"disable,omitempty"`
}

// Source is one registered subreddit together with its settings and scrape
// state.
type Source struct {
	URL string
	sourceRecord
}

// Name returns the bare subreddit name of the source.
func (s *Source) Name() string {
	return SubredditName(s.URL)
}

// DataDir returns the directory holding this source's archive under root.
func (s *Source) DataDir(root string) string {
	return filepath.Join(root, subredditsDirName, s.Name())
}

func (s *Source) toMap() map[string]any {
	entry := map[string]any{
		"scrape_interval": s.ScrapeInterval,
		"scrape_delay":    s.ScrapeDelay,
	}
	if s.AddedAt != nil {
		entry["added_at"] = *s.AddedAt
	}
	if s.LastScraped != nil {
		entry["last_scraped"] = *s.LastScraped
	}
	if s.DownloadPosts {
		entry["download_posts"] = true
	}
	if s.NoExport {
		entry["no_export"] = true
	}
	if s.NSFW {
		entry["nsfw"] = true
	}
	if s.Disabled {
		entry["disable"] = true
	}
	return entry
}

func sourceFromEntry(url string, entry map[string]any) *Source {
	src := &Source{URL: url}
	src.ScrapeInterval = intField(entry, "scrape_interval", defaultScrapeInterval)
	src.ScrapeDelay = intField(entry, "scrape_delay", defaultScrapeDelay)
	if v, ok := int64Field(entry, "added_at"); ok {
		src.AddedAt = &v
	}
	if v, ok := int64Field(entry, "last_scraped"); ok {
		src.LastScraped = &v
	}
	src.DownloadPosts = boolField(entry, "download_posts")
	src.NoExport = boolField(entry, "no_export")
	src.NSFW = boolField(entry, "nsfw")
	src.Disabled = boolField(entry, "disable")
	return src
}

// SourceRegistry tracks the set of subreddits under archive management.
// The canonical registry lives in sources.json at the archive root; each
// source additionally keeps a reddit.json sidecar in its own directory so
// an archive remains self-describing even if the registry file is lost.
type SourceRegistry struct {
	logger  *slog.Logger
	dataDir string
	store   *JsonStore
}

// NewSourceRegistry loads the registry from dataDir.  When sources.json is
// absent the registry is rebuilt by scanning r/*/reddit.json sidecars.
//
// Parameters:
//   - logger: The logger for status information
//   - dataDir: Root directory of the archive
//
// Returns:
//   - *SourceRegistry: The loaded registry
//   - error: Any error encountered reading registry state
func NewSourceRegistry(logger *slog.Logger, dataDir string) (*SourceRegistry, error) {
	store, err := NewJsonStore(filepath.Join(dataDir, sourcesFileName))
	if err != nil {
		return nil, err
	}

	registry := &SourceRegistry{
		logger:  logger,
		dataDir: dataDir,
		store:   store,
	}

	if store.Len() == 0 {
		err = registry.ScanSidecars()
		if err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// ScanSidecars folds sources found in per-source reddit.json files into the
// registry.  Existing registry entries win over sidecar data.  Runs
// automatically when the registry file is missing, and on demand for
// recursive discovery over a hand-assembled archive tree.
func (r *SourceRegistry) ScanSidecars() error {
	subsDir := filepath.Join(r.dataDir, subredditsDirName)
	entries, err := os.ReadDir(subsDir)
	if err != nil {
		if os.IsNotExist(err) && sourceDirMissingOK {
			return nil
		}
		return fmt.Errorf("failed to scan source directories: %w", err)
	}

	recovered := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sidecarPath := filepath.Join(subsDir, entry.Name(), sourceStateName)
		sidecar, err := NewJsonStore(sidecarPath)
		if err != nil {
			r.logger.Warn("Skipping unreadable source sidecar", "path", sidecarPath, "error", err)
			continue
		}
		for url, fields := range sidecar.ToMap() {
			if _, ok := r.store.Get(url); ok {
				continue
			}
			err = r.store.Set(url, fields)
			if err != nil {
				return err
			}
			recovered++
		}
	}

	if recovered > 0 {
		r.logger.Info("Recovered sources from sidecar files", "count", recovered)
	}
	return nil
}

// Add registers a subreddit, or updates the settings of an existing one.
// Only the options explicitly set on opts are changed; everything else is
// preserved across the merge.
//
// Parameters:
//   - rawURL: Subreddit URL or bare name in any accepted form
//   - opts: Settings to apply; nil fields leave existing values alone
//
// Returns:
//   - *Source: The stored source after the merge
//   - error: ErrInvalidSourceURL or any persistence error
func (r *SourceRegistry) Add(rawURL string, opts SourceOptions) (*Source, error) {
	url := NormalizeSourceURL(rawURL)
	if url == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourceURL, rawURL)
	}

	existing, known := r.store.Get(url)
	var src *Source
	if known {
		src = sourceFromEntry(url, existing)
	} else {
		now := timeNow().Unix()
		src = &Source{URL: url}
		src.AddedAt = &now
		src.ScrapeInterval = defaultScrapeInterval
		src.ScrapeDelay = defaultScrapeDelay
	}

	if opts.ScrapeInterval != nil {
		src.ScrapeInterval = *opts.ScrapeInterval
	}
	if opts.ScrapeDelay != nil {
		src.ScrapeDelay = *opts.ScrapeDelay
	}
	if opts.DownloadPosts != nil {
		src.DownloadPosts = *opts.DownloadPosts
	}
	if opts.NoExport != nil {
		src.NoExport = *opts.NoExport
	}
	if opts.NSFW != nil {
		src.NSFW = *opts.NSFW
	}
	if opts.Disabled != nil {
		src.Disabled = *opts.Disabled
	}

	err := r.persist(src)
	if err != nil {
		return nil, err
	}

	if known {
		r.logger.Info("Updated source", "url", url)
	} else {
		r.logger.Info("Added source", "url", url)
	}
	return src, nil
}

// persist writes the source to the registry file and to its own sidecar.
// Registry first: the sidecar is a recovery copy, not the canonical record.
func (r *SourceRegistry) persist(src *Source) error {
	entry := src.toMap()
	err := r.store.Set(src.URL, entry)
	if err != nil {
		return err
	}

	sidecar, err := NewJsonStore(filepath.Join(src.DataDir(r.dataDir), sourceStateName))
	if err != nil {
		return err
	}
	return sidecar.Set(src.URL, entry)
}

// Remove unregisters a subreddit.  The source's archived data on disk is
// left untouched.
func (r *SourceRegistry) Remove(rawURL string) error {
	url := NormalizeSourceURL(rawURL)
	if url == "" {
		return fmt.Errorf("%w: %s", ErrInvalidSourceURL, rawURL)
	}
	_, ok := r.store.Get(url)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, url)
	}
	err := r.store.Delete(url)
	if err != nil {
		return err
	}
	r.logger.Info("Removed source", "url", url)
	return nil
}

// Get returns the registered source for the given URL or name.
func (r *SourceRegistry) Get(rawURL string) (*Source, error) {
	url := NormalizeSourceURL(rawURL)
	entry, ok := r.store.Get(url)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, rawURL)
	}
	return sourceFromEntry(url, entry), nil
}

// SetLastScraped records a completed scrape time for the source and
// persists it.
func (r *SourceRegistry) SetLastScraped(src *Source, when int64) error {
	src.LastScraped = &when
	return r.persist(src)
}

// List returns all sources sorted by the given field.  Sources missing the
// sort field always collate last, in either order, so freshly added entries
// don't crowd the top of a last_scraped listing.  An empty order selects
// descending for the timestamp fields and ascending otherwise.
//
// Parameters:
//   - sortField: One of url, added_at, last_scraped, scrape_interval
//   - sortOrder: "asc", "desc", or "" for the field default
//
// Returns:
//   - []*Source: The sorted sources
//   - error: If the sort field is unknown
func (r *SourceRegistry) List(sortField string, sortOrder string) ([]*Source, error) {
	if sortField == "" {
		sortField = "url"
	}
	switch sortField {
	case "url", "added_at", "last_scraped", "scrape_interval", "scrape_delay":
	default:
		return nil, fmt.Errorf("cannot sort sources by %q", sortField)
	}
	if sortOrder == "" {
		if sortField == "added_at" || sortField == "last_scraped" {
			sortOrder = "desc"
		} else {
			sortOrder = "asc"
		}
	}
	descending := sortOrder == "desc"

	var sources []*Source
	for url, entry := range r.store.ToMap() {
		sources = append(sources, sourceFromEntry(url, entry))
	}

	sort.SliceStable(sources, func(i, j int) bool {
		a, aOK := sortValue(sources[i], sortField)
		b, bOK := sortValue(sources[j], sortField)
		// Entries without the field sink to the end regardless of order.
		if aOK != bOK {
			return aOK
		}
		if !aOK {
			return sources[i].URL < sources[j].URL
		}
		if a == b {
			return sources[i].URL < sources[j].URL
		}
		if descending {
			return moreThan(a, b)
		}
		return moreThan(b, a)
	})

	return sources, nil
}

// Len returns the number of registered sources.
func (r *SourceRegistry) Len() int {
	return r.store.Len()
}

func sortValue(src *Source, field string) (any, bool) {
	switch field {
	case "url":
		return src.URL, true
	case "added_at":
		if src.AddedAt == nil {
			return nil, false
		}
		return *src.AddedAt, true
	case "last_scraped":
		if src.LastScraped == nil {
			return nil, false
		}
		return *src.LastScraped, true
	case "scrape_interval":
		return int64(src.ScrapeInterval), true
	case "scrape_delay":
		return int64(src.ScrapeDelay), true
	}
	fatalInvariant(fmt.Sprintf("unreachable sort field %q", field))
	return nil, false
}

func moreThan(a any, b any) bool {
	switch av := a.(type) {
	case string:
		return av > b.(string)
	case int64:
		return av > b.(int64)
	}
	fatalInvariant(fmt.Sprintf("uncomparable sort values %T", a))
	return false
}

func intField(entry map[string]any, key string, fallback int) int {
	v, ok := int64Field(entry, key)
	if !ok {
		return fallback
	}
	return int(v)
}

func int64Field(entry map[string]any, key string) (int64, bool) {
	switch v := entry[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func boolField(entry map[string]any, key string) bool {
	v, ok := entry[key].(bool)
	return ok && v
}
