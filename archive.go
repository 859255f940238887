package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ArchiveOptions controls one archiver run, one-shot or watched.
type ArchiveOptions struct {
	// Force scrapes a source even when its interval hasn't elapsed.
	Force   bool
	Variant ListingVariant
	// CumulativeStop selects the cumulative reading of the no-new-posts
	// stop test instead of the per-page one.
	CumulativeStop bool
	// DownloadPosts enables the media download stage for sources that have
	// download_posts set.
	DownloadPosts bool
	// FavoritesOnly restricts the download stage to favorited posts.
	FavoritesOnly bool
}

// ArchiveStats accumulates counters across source updates.
type ArchiveStats struct {
	Sources    int
	Skipped    int
	Scraped    int
	New        int
	Downloaded int
}

// Archiver runs scrape cycles over the registered sources, one-shot or on a
// per-source schedule.
type Archiver struct {
	logger   *slog.Logger
	client   Client
	api      *RedditAPI
	registry *SourceRegistry
	dataDir  string
	opts     ArchiveOptions

	sleep  func(time.Duration)
	settle func(time.Duration)

	mu       sync.Mutex
	updating map[string]bool
	stats    ArchiveStats
}

// NewArchiver creates an Archiver over the given registry.
//
// Parameters:
//   - logger: Logger instance for writing log messages
//   - client: HTTP client shared by listing fetches and downloads
//   - registry: The source registry to update
//   - dataDir: Root directory of the archive
//   - opts: Run options
//
// Returns:
//   - *Archiver: A new Archiver instance ready for use
func NewArchiver(logger *slog.Logger, client Client, registry *SourceRegistry, dataDir string, opts ArchiveOptions) *Archiver {
	return &Archiver{
		logger:   logger,
		client:   client,
		api:      NewRedditAPI(logger, client),
		registry: registry,
		dataDir:  dataDir,
		opts:     opts,
		sleep:    time.Sleep,
		settle:   time.Sleep,
		updating: make(map[string]bool),
	}
}

// SetSleepFunc replaces every courtesy sleep the archiver and its scrapers
// perform.  This method is intended for integration testing where we don't
// actually want to wait.
func (a *Archiver) SetSleepFunc(fn func(time.Duration)) {
	a.sleep = fn
	a.settle = fn
}

// Stats returns a copy of the accumulated counters.
func (a *Archiver) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// RunAll updates every enabled source once, in registry order.  A failing
// source does not stop the run; all failures are joined into the returned
// error.
//
// Returns:
//   - *ArchiveStats: Counters for the completed run
//   - error: The joined errors of all failed sources, nil if none failed
func (a *Archiver) RunAll() (*ArchiveStats, error) {
	sources, err := a.registry.List("url", "")
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, src := range sources {
		if src.Disabled {
			continue
		}
		err := a.UpdateSource(src)
		if err != nil {
			a.logger.Error("Source update failed", "url", src.URL, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.URL, err))
		}
	}

	stats := a.Stats()
	return &stats, errors.Join(errs...)
}

// UpdateSource runs one full scrape cycle for a source: walk the listing,
// bump last_scraped, export, then download media when enabled.  A source
// whose interval hasn't elapsed is skipped unless the run is forced.
//
// Parameters:
//   - src: The source to update
//
// Returns:
//   - error: Any error that aborted the cycle
func (a *Archiver) UpdateSource(src *Source) error {
	if !a.claimSource(src.URL) {
		a.logger.Warn("Source update already in progress, skipping", "url", src.URL)
		return nil
	}
	defer a.releaseSource(src.URL)

	a.mu.Lock()
	a.stats.Sources++
	a.mu.Unlock()

	now := timeNow()
	if !a.opts.Force && src.LastScraped != nil {
		elapsed := now.Unix() - *src.LastScraped
		if elapsed < int64(src.ScrapeInterval) {
			a.logger.Debug("Source scraped recently, skipping",
				"url", src.URL, "elapsed_s", elapsed, "interval_s", src.ScrapeInterval)
			a.mu.Lock()
			a.stats.Skipped++
			a.mu.Unlock()
			return nil
		}
	}

	downloadStage := a.opts.DownloadPosts && src.DownloadPosts
	candidates, err := a.scrapeSource(src, downloadStage)
	if err != nil {
		return err
	}

	if downloadStage {
		err = a.downloadSource(src, candidates)
		if err != nil {
			return err
		}
	}

	a.sleep(time.Duration(src.ScrapeDelay) * time.Second)
	return nil
}

// scrapeSource walks the source's listing under the dataset lock, updates
// its stores and export file, and returns the download candidates when the
// download stage will run next.
func (a *Archiver) scrapeSource(src *Source, collectCandidates bool) ([]*Post, error) {
	srcDir := src.DataDir(a.dataDir)
	lock, err := AcquireLock(srcDir, datasetLockName)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	cache, err := NewJsonStore(filepath.Join(srcDir, postsCacheName))
	if err != nil {
		return nil, err
	}
	store, err := OpenPostStore(filepath.Join(srcDir, postsDBName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	scraper := NewScraper(a.logger, a.api, store, cache)
	scraper.SetSettleFunc(a.settle)
	defer scraper.Destroy()

	result, err := scraper.Scrape(src.Name(), ScrapeOptions{
		Variant:          a.opts.Variant,
		StopIfNoNewPosts: true,
		CumulativeStop:   a.opts.CumulativeStop,
	}, nil)
	if result != nil {
		a.mu.Lock()
		a.stats.Scraped += result.Scraped
		a.stats.New += result.New
		a.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	a.logger.Info("Scraped source",
		"url", src.URL, "pages", result.Pages, "scraped", result.Scraped, "new", result.New)

	err = a.registry.SetLastScraped(src, timeNow().Unix())
	if err != nil {
		return nil, err
	}

	if !src.NoExport {
		_, err = ExportPosts(a.logger, store, srcDir)
		if err != nil {
			return nil, err
		}
	}

	if !collectCandidates {
		return nil, nil
	}
	return a.downloadCandidates(src, store)
}

// downloadCandidates selects the posts the download stage should attempt.
func (a *Archiver) downloadCandidates(src *Source, store *PostStore) ([]*Post, error) {
	if a.opts.FavoritesOnly {
		favorites, err := NewFavorites(src.DataDir(a.dataDir))
		if err != nil {
			return nil, err
		}
		ids := favorites.IDs()
		if len(ids) == 0 {
			return nil, nil
		}
		return store.Query(PostQuery{IDs: ids})
	}

	var posts []*Post
	for skip := uint64(0); ; skip += maxQueryLimit {
		batch, err := store.Query(PostQuery{Skip: skip, Limit: maxQueryLimit})
		if err != nil {
			return nil, err
		}
		posts = append(posts, batch...)
		if len(batch) < maxQueryLimit {
			break
		}
	}
	return posts, nil
}

// downloadSource runs the media download stage for a source under its own
// hold of the dataset lock.
func (a *Archiver) downloadSource(src *Source, posts []*Post) error {
	srcDir := src.DataDir(a.dataDir)
	lock, err := AcquireLock(srcDir, datasetLockName)
	if err != nil {
		return err
	}
	defer lock.Release()

	downloader, err := NewDownloader(a.logger, a.client, NewJobQueue(a.logger), srcDir)
	if err != nil {
		return err
	}

	resumed, err := downloader.ResumePending()
	if err != nil {
		return err
	}

	queued := resumed
	for _, post := range posts {
		ok, err := downloader.Enqueue(post, false)
		if err != nil {
			return err
		}
		if ok {
			queued++
		}
	}
	downloader.Wait()

	a.mu.Lock()
	a.stats.Downloaded += queued
	a.mu.Unlock()
	a.logger.Info("Download stage finished", "url", src.URL, "attempted", queued)
	return nil
}

// Watch schedules every enabled source on its own interval and runs until
// the context is cancelled.  Each source fires once immediately, then every
// scrape_interval seconds.
//
// Parameters:
//   - ctx: Cancelling the context stops the scheduler
//
// Returns:
//   - *ArchiveStats: Counters accumulated over the whole watch
//   - error: Any error constructing the schedule
func (a *Archiver) Watch(ctx context.Context) (*ArchiveStats, error) {
	sources, err := a.registry.List("url", "")
	if err != nil {
		return nil, err
	}

	scheduler := cron.New()
	var immediate sync.WaitGroup
	for _, src := range sources {
		if src.Disabled {
			continue
		}
		url := src.URL
		job := func() {
			current, err := a.registry.Get(url)
			if err != nil {
				a.logger.Error("Source vanished from registry", "url", url, "error", err)
				return
			}
			err = a.UpdateSource(current)
			if err != nil {
				a.logger.Error("Source update failed", "url", url, "error", err)
			}
		}

		spec := fmt.Sprintf("@every %ds", src.ScrapeInterval)
		_, err = scheduler.AddFunc(spec, job)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule source %s: %w", url, err)
		}

		immediate.Add(1)
		go func() {
			defer immediate.Done()
			job()
		}()
	}

	scheduler.Start()
	a.logger.Info("Watching sources", "count", len(scheduler.Entries()))

	<-ctx.Done()
	stop := scheduler.Stop()
	<-stop.Done()
	immediate.Wait()

	stats := a.Stats()
	return &stats, nil
}

func (a *Archiver) claimSource(url string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updating[url] {
		return false
	}
	a.updating[url] = true
	return true
}

func (a *Archiver) releaseSource(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.updating, url)
}
