package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	main "redarc"

	"gotest.tools/assert"
)

// newTestArchiver builds a registry with one pics source and an archiver
// over it with sleeps disabled.
func newTestArchiver(t *testing.T, dir string, client *TestClient, opts main.ArchiveOptions, srcOpts main.SourceOptions) (*main.Archiver, *main.SourceRegistry, *main.Source) {
	t.Helper()
	registry, err := main.NewSourceRegistry(NewTestLogger(t), dir)
	assert.NilError(t, err)
	src, err := registry.Add("https://www.reddit.com/r/pics", srcOpts)
	assert.NilError(t, err)

	archiver := main.NewArchiver(NewTestLogger(t), client, registry, dir, opts)
	archiver.SetSleepFunc(func(time.Duration) {})
	return archiver, registry, src
}

func TestArchiverRunAll(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("p1", "a1", "a2", "a3"), nil)
	client.SetResponse(listingURL("pics", "", "p1"), listingPayload("", "b1", "b2"), nil)

	dir := t.TempDir()
	archiver, registry, src := newTestArchiver(t, dir, client, main.ArchiveOptions{}, main.SourceOptions{})

	stats, err := archiver.RunAll()
	assert.NilError(t, err)
	assert.Equal(t, stats.Sources, 1)
	assert.Equal(t, stats.Scraped, 5)
	assert.Equal(t, stats.New, 5)
	assert.Equal(t, stats.Skipped, 0)

	// The cycle touched every per-source artifact.
	srcDir := src.DataDir(dir)
	for _, name := range []string{"posts.json", "posts.db", "posts-exported.json", "reddit.json"} {
		_, err := os.Stat(filepath.Join(srcDir, name))
		assert.NilError(t, err)
	}

	updated, err := registry.Get(src.URL)
	assert.NilError(t, err)
	assert.Assert(t, updated.LastScraped != nil)
}

func TestArchiverSkipsRecentlyScrapedSource(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1"), nil)

	dir := t.TempDir()
	archiver, _, _ := newTestArchiver(t, dir, client, main.ArchiveOptions{}, main.SourceOptions{})

	_, err := archiver.RunAll()
	assert.NilError(t, err)
	before := client.RequestCount(listingURL("pics", "", ""))

	// Immediately running again is inside the scrape interval.
	stats, err := archiver.RunAll()
	assert.NilError(t, err)
	assert.Equal(t, stats.Skipped, 1)
	assert.Equal(t, client.RequestCount(listingURL("pics", "", "")), before)
}

func TestArchiverForceOverridesInterval(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1"), nil)

	dir := t.TempDir()
	archiver, registry, src := newTestArchiver(t, dir, client, main.ArchiveOptions{}, main.SourceOptions{})
	_, err := archiver.RunAll()
	assert.NilError(t, err)

	forced := main.NewArchiver(NewTestLogger(t), client, registry, dir, main.ArchiveOptions{Force: true})
	forced.SetSleepFunc(func(time.Duration) {})
	current, err := registry.Get(src.URL)
	assert.NilError(t, err)
	err = forced.UpdateSource(current)
	assert.NilError(t, err)

	stats := forced.Stats()
	assert.Equal(t, stats.Skipped, 0)
	// The second walk finds nothing new and stops after one page.
	assert.Equal(t, stats.New, 0)
	assert.Equal(t, client.RequestCount(listingURL("pics", "", "")), 2)
}

func TestArchiverSkipsDisabledSources(t *testing.T) {
	client := NewTestClient()
	dir := t.TempDir()
	disabled := true
	archiver, _, _ := newTestArchiver(t, dir, client, main.ArchiveOptions{},
		main.SourceOptions{Disabled: &disabled})

	stats, err := archiver.RunAll()
	assert.NilError(t, err)
	assert.Equal(t, stats.Sources, 0)
	assert.Equal(t, len(client.Requests()), 0)
}

func TestArchiverDownloadStage(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1", "a2"), nil)
	client.SetResponse("https://i.redd.it/a1.jpg", []byte("x"), nil)
	client.SetResponse("https://i.redd.it/a2.jpg", []byte("y"), nil)

	dir := t.TempDir()
	downloads := true
	archiver, _, src := newTestArchiver(t, dir, client,
		main.ArchiveOptions{DownloadPosts: true},
		main.SourceOptions{DownloadPosts: &downloads})

	stats, err := archiver.RunAll()
	assert.NilError(t, err)
	assert.Equal(t, stats.Downloaded, 2)

	srcDir := src.DataDir(dir)
	_, err = os.Stat(filepath.Join(srcDir, "downloads.json"))
	assert.NilError(t, err)
	// listingPayload titles are "post <id>", bucketed under P.
	_, err = os.Stat(filepath.Join(srcDir, "files", "P", "post a1", "a1.jpg"))
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(srcDir, "files", "P", "post a2", "a2.jpg"))
	assert.NilError(t, err)
}

func TestArchiverDownloadStageRequiresBothFlags(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1"), nil)

	// The run asks for downloads but the source doesn't opt in.
	dir := t.TempDir()
	archiver, _, src := newTestArchiver(t, dir, client,
		main.ArchiveOptions{DownloadPosts: true}, main.SourceOptions{})

	stats, err := archiver.RunAll()
	assert.NilError(t, err)
	assert.Equal(t, stats.Downloaded, 0)
	_, err = os.Stat(filepath.Join(src.DataDir(dir), "downloads.json"))
	assert.Assert(t, errors.Is(err, os.ErrNotExist))
}

func TestArchiverHonorsDatasetLock(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1"), nil)

	dir := t.TempDir()
	archiver, _, src := newTestArchiver(t, dir, client, main.ArchiveOptions{}, main.SourceOptions{})

	// Another process holds the source's dataset lock.
	lock, err := main.AcquireLock(src.DataDir(dir), "reddit.lock")
	assert.NilError(t, err)
	defer lock.Release()

	_, err = archiver.RunAll()
	assert.Assert(t, errors.Is(err, main.ErrDatasetLocked))
}

func TestArchiverRunAllContinuesPastFailingSource(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("aaaa", "", ""), nil, errors.New("listing down"))
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1"), nil)

	dir := t.TempDir()
	registry, err := main.NewSourceRegistry(NewTestLogger(t), dir)
	assert.NilError(t, err)
	_, err = registry.Add("https://www.reddit.com/r/aaaa", main.SourceOptions{})
	assert.NilError(t, err)
	_, err = registry.Add("https://www.reddit.com/r/pics", main.SourceOptions{})
	assert.NilError(t, err)

	archiver := main.NewArchiver(NewTestLogger(t), client, registry, dir, main.ArchiveOptions{})
	archiver.SetSleepFunc(func(time.Duration) {})

	stats, err := archiver.RunAll()
	// The broken source surfaces in the joined error, the healthy one
	// still completes.
	assert.ErrorContains(t, err, "listing down")
	assert.Equal(t, stats.Sources, 2)
	assert.Equal(t, stats.New, 1)
}

func TestArchiverWatchRunsImmediateCycle(t *testing.T) {
	client := NewTestClient()
	client.SetResponse(listingURL("pics", "", ""), listingPayload("", "a1"), nil)

	dir := t.TempDir()
	archiver, _, _ := newTestArchiver(t, dir, client, main.ArchiveOptions{}, main.SourceOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Give the immediate per-source fire time to complete, then stop
		// the watch.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if archiver.Stats().Sources > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	stats, err := archiver.Watch(ctx)
	assert.NilError(t, err)
	assert.Equal(t, stats.Sources, 1)
	assert.Equal(t, stats.New, 1)
}
