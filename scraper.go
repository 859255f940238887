package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrScraperBusy      = errors.New("scraper is busy")
	ErrScraperDestroyed = errors.New("scraper is destroyed")
)

const (
	// Pause between listing page fetches.  Keeps an unauthenticated client
	// under the rate reddit tolerates.
	pageSettleDelay = 1 * time.Second

	postsCacheName = "posts.json"
	postsDBName    = "posts.db"
)

// ScrapeOptions controls a single walk over a subreddit listing.
type ScrapeOptions struct {
	Variant ListingVariant
	// After resumes the walk from a pagination cursor instead of the first
	// page.
	After string
	// StopIfNoNewPosts ends the walk early once a fetched page contains no
	// posts we haven't stored yet.
	StopIfNoNewPosts bool
	// CumulativeStop changes the early-stop test to "no new posts seen on
	// any page so far" rather than per page, so a single stale page in the
	// middle of fresh ones doesn't end the walk.
	CumulativeStop bool
}

// ScrapeResult summarizes one completed walk.
type ScrapeResult struct {
	Scraped int // posts observed
	New     int // posts not previously stored
	Pages   int // listing pages fetched
	After   string
}

// ScrapeObserver receives progress callbacks during a walk.  Either field
// may be nil.
type ScrapeObserver struct {
	OnNewPost  func(post *Post)
	OnProgress func(page int, scraped int, newPosts int)
}

// Scraper walks a subreddit's listing pages and merges every observed post
// into the source's durable stores.
type Scraper struct {
	logger *slog.Logger
	api    *RedditAPI
	store  *PostStore
	cache  *JsonStore

	// settle is swapped out in tests so walks don't sleep for real.
	settle func(time.Duration)

	mu             sync.Mutex
	busy           bool
	destroyed      bool
	destroyPending bool
}

// NewScraper creates a Scraper writing into the given post store and posts
// cache.
//
// Parameters:
//   - logger: Logger instance for writing log messages
//   - api: Listing client used to fetch pages
//   - store: Durable post collection for the source
//   - cache: Lightweight posts.json cache keyed by post identity
//
// Returns:
//   - *Scraper: A new Scraper instance ready for use
func NewScraper(logger *slog.Logger, api *RedditAPI, store *PostStore, cache *JsonStore) *Scraper {
	return &Scraper{
		logger: logger,
		api:    api,
		store:  store,
		cache:  cache,
		settle: time.Sleep,
	}
}

// SetSettleFunc replaces the inter-page sleep.  This method is intended for
// integration testing where we don't actually want to wait between pages.
func (s *Scraper) SetSettleFunc(fn func(time.Duration)) {
	s.settle = fn
}

// Scrape walks the listing for a subreddit until the listing is exhausted
// or an early-stop condition is met.  Each observed post is merged into the
// posts cache first and the durable collection second, so a post referenced
// by the collection is always present in the cache.
//
// A page whose payload cannot be parsed counts as an empty page and the
// walk continues with whatever cursor state it had.
//
// Parameters:
//   - subreddit: Bare subreddit name to walk
//   - opts: Walk options
//   - observer: Optional progress callbacks
//
// Returns:
//   - *ScrapeResult: Counters for the completed walk
//   - error: Any fetch or storage error; the result so far accompanies it
func (s *Scraper) Scrape(subreddit string, opts ScrapeOptions, observer *ScrapeObserver) (*ScrapeResult, error) {
	err := s.beginWalk()
	if err != nil {
		return nil, err
	}
	defer s.endWalk()

	result := &ScrapeResult{After: opts.After}
	after := opts.After

	for {
		page, err := s.api.GetListing(subreddit, opts.Variant, after)
		if err != nil {
			return result, fmt.Errorf("failed to fetch listing page %d of r/%s: %w", result.Pages+1, subreddit, err)
		}
		result.Pages++

		newThisPage := 0
		for _, post := range page.Posts {
			isNew, err := s.storePost(post)
			if err != nil {
				return result, err
			}
			result.Scraped++
			if isNew {
				result.New++
				newThisPage++
				if observer != nil && observer.OnNewPost != nil {
					observer.OnNewPost(post)
				}
			}
		}

		if observer != nil && observer.OnProgress != nil {
			observer.OnProgress(result.Pages, result.Scraped, result.New)
		}
		s.logger.Debug("Scraped listing page",
			"subreddit", subreddit, "variant", opts.Variant, "page", result.Pages,
			"posts", len(page.Posts), "new", newThisPage, "after", page.After)

		// The no-new-posts stop takes precedence over cursor continuation,
		// and still pays the settle delay before returning.
		if opts.StopIfNoNewPosts {
			stale := newThisPage == 0
			if opts.CumulativeStop {
				stale = result.New == 0
			}
			if stale {
				result.After = page.After
				s.logger.Info("Stopping walk, no new posts",
					"subreddit", subreddit, "page", result.Pages)
				s.settle(pageSettleDelay)
				break
			}
		}

		if page.After == "" {
			result.After = ""
			break
		}
		result.After = page.After
		after = page.After
		s.settle(pageSettleDelay)
	}

	return result, nil
}

// beginWalk claims the scraper for one walk.  A scraper runs one walk at a
// time; overlapping walks for one source would interleave cursor state.
func (s *Scraper) beginWalk() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrScraperDestroyed
	}
	if s.busy {
		return ErrScraperBusy
	}
	s.busy = true
	return nil
}

func (s *Scraper) endWalk() {
	s.mu.Lock()
	pending := s.destroyPending
	s.busy = false
	s.destroyPending = false
	s.mu.Unlock()
	if pending {
		s.Destroy()
	}
}

// Destroy releases the scraper's cache handle.  Called mid-walk, the
// release is deferred until the walk completes.
func (s *Scraper) Destroy() {
	s.mu.Lock()
	if s.busy {
		s.destroyPending = true
		s.mu.Unlock()
		return
	}
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	err := s.cache.Exit()
	if err != nil {
		s.logger.Error("Failed to flush posts cache", "error", err)
	}
}

// storePost merges one post into the cache and the durable collection.
func (s *Scraper) storePost(post *Post) (bool, error) {
	now := timeNow()
	key := post.Key()

	entry := map[string]any{
		"url":         post.URL,
		"title":       post.Title,
		"type":        post.PostHint,
		"last_update": now.Unix(),
	}
	if existing, ok := s.cache.Get(key); ok {
		if addedAt, ok := int64Field(existing, "added_at"); ok {
			entry["added_at"] = addedAt
		}
	}
	if _, ok := entry["added_at"]; !ok {
		entry["added_at"] = now.Unix()
	}

	err := s.cache.Set(key, entry)
	if err != nil {
		return false, fmt.Errorf("failed to cache post %s: %w", key, err)
	}

	isNew, err := s.store.Upsert(post, now)
	if err != nil {
		return false, err
	}
	return isNew, nil
}
