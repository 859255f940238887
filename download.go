package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	downloadsFileName = "downloads.json"
	filesDirName      = "files"
	postManifestName  = "post.txt"

	// Directory names derived from post titles are capped so deep titles
	// don't blow past filesystem limits.
	maxTitleDirLength = 100
)

// MediaKind classifies a post URL by how its media can be fetched.
type MediaKind int

const (
	MediaUnsupported MediaKind = iota
	MediaDirect
	MediaImgurAlbum
	MediaGfycat
)

// directImageHosts serve a media file at the post URL itself.
var directImageHosts = map[string]bool{
	"i.redd.it":           true,
	"i.imgur.com":         true,
	"i.reddituploads.com": true,
	"media.tumblr.com":    true,
	"staticflickr.com":    true,
	"media.giphy.com":     true,
	"giant.gfycat.com":    true,
}

var directImageExtensions = map[string]bool{
	".gif": true,
	".jpg": true,
	".png": true,
}

// Downloader fetches the media behind archived posts into the source's
// files directory, keeping a downloads.json manifest so every post URL is
// attempted exactly once across runs.
type Downloader struct {
	logger   *slog.Logger
	client   Client
	manifest *JsonStore
	queue    *JobQueue
	filesDir string

	imgur  *ImgurScraper
	gfycat *GfycatScraper
}

// NewDownloader creates a Downloader for one source's data directory.
//
// Parameters:
//   - logger: Logger instance for writing log messages
//   - client: HTTP client used for media and page fetches
//   - queue: Job queue the downloads run on
//   - dataDir: The source's data directory
//
// Returns:
//   - *Downloader: A new Downloader instance ready for use
//   - error: Any error encountered opening the manifest
func NewDownloader(logger *slog.Logger, client Client, queue *JobQueue, dataDir string) (*Downloader, error) {
	manifest, err := NewJsonStore(filepath.Join(dataDir, downloadsFileName))
	if err != nil {
		return nil, err
	}

	return &Downloader{
		logger:   logger,
		client:   client,
		manifest: manifest,
		queue:    queue,
		filesDir: filepath.Join(dataDir, filesDirName),
		imgur:    NewImgurScraper(logger, client),
		gfycat:   NewGfycatScraper(logger, client),
	}, nil
}

// Enqueue schedules the media download for a post.  A URL no handler rule
// matches is not downloadable and is skipped without a manifest entry.  A
// post URL already in the manifest is skipped unless force is set, so
// re-running a scrape never re-downloads or re-fails the same URL.
// Failures are recorded in the manifest rather than propagated: one broken
// host must not stop an archive run.
//
// Parameters:
//   - post: The post whose URL should be fetched
//   - force: Re-attempt even if the URL already has a manifest entry
//
// Returns:
//   - bool: True if the download was scheduled
//   - error: Any manifest persistence error
func (d *Downloader) Enqueue(post *Post, force bool) (bool, error) {
	if post.URL == "" || post.IsSelf {
		return false, nil
	}
	if ClassifyMediaURL(post.URL) == MediaUnsupported {
		d.logger.Debug("Skipping unsupported media host", "url", post.URL)
		return false, nil
	}
	_, seen := d.manifest.Get(post.URL)
	if seen && !force {
		return false, nil
	}

	entry := map[string]any{
		"downloaded": false,
		"title":      post.Title,
	}
	if !seen {
		entry["added_at"] = timeNow().Unix()
	}
	err := d.manifest.Update(post.URL, entry)
	if err != nil {
		return false, err
	}

	d.queue.PushJob(post, func(payload any, done func(error)) {
		done(d.download(payload.(*Post)))
	}, func(err error) {
		d.finish(post.URL, err)
	})
	return true, nil
}

// finish marks the manifest entry complete.  The entry flips to downloaded
// either way; a failure additionally records why, and the URL won't be
// retried until the entry is removed by hand.
func (d *Downloader) finish(postURL string, downloadErr error) {
	entry := map[string]any{
		"downloaded":  true,
		"last_update": timeNow().Unix(),
	}
	if downloadErr != nil {
		entry["download_error"] = downloadErr.Error()
		d.logger.Warn("Download failed", "url", postURL, "error", downloadErr)
	}
	err := d.manifest.Update(postURL, entry)
	if err != nil {
		d.logger.Error("Failed to update download manifest", "url", postURL, "error", err)
	}
}

// Wait blocks until all scheduled downloads have completed.
func (d *Downloader) Wait() {
	d.queue.Wait()
}

// ResumePending re-enqueues manifest entries that never reached a terminal
// state, typically left behind by a killed process.
//
// Returns:
//   - int: Number of resumed downloads
//   - error: Any manifest persistence error
func (d *Downloader) ResumePending() (int, error) {
	resumed := 0
	for postURL, entry := range d.manifest.ToMap() {
		if boolField(entry, "downloaded") {
			continue
		}
		title, _ := entry["title"].(string)
		queued, err := d.Enqueue(&Post{URL: postURL, Title: title}, true)
		if err != nil {
			return resumed, err
		}
		if queued {
			resumed++
		}
	}
	if resumed > 0 {
		d.logger.Info("Resumed interrupted downloads", "count", resumed)
	}
	return resumed, nil
}

// download resolves the post URL to one or more media URLs and fetches each
// into the post's title directory.
func (d *Downloader) download(post *Post) error {
	kind := ClassifyMediaURL(post.URL)

	var mediaURLs []string
	var err error
	switch kind {
	case MediaDirect:
		mediaURLs = []string{post.URL}
	case MediaImgurAlbum:
		mediaURLs, err = d.imgur.AlbumImages(post.URL)
	case MediaGfycat:
		var mediaURL string
		mediaURL, err = d.gfycat.VideoURL(post.URL)
		if mediaURL != "" {
			mediaURLs = []string{mediaURL}
		}
	case MediaUnsupported:
		d.logger.Debug("Skipping unsupported media host", "url", post.URL)
		return nil
	}
	if err != nil {
		return err
	}
	if len(mediaURLs) == 0 {
		return fmt.Errorf("no media found at %s", post.URL)
	}

	destDir := filepath.Join(d.filesDir, TitleBucket(post.Title), SanitizeTitleDir(post.Title))
	err = appendPostManifest(destDir, post)
	if err != nil {
		return err
	}

	for _, mediaURL := range mediaURLs {
		savedPath, err := d.client.DownloadFile(mediaURL, destDir)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", mediaURL, err)
		}
		d.logger.Info("Downloaded file", "url", mediaURL, "path", savedPath)
	}
	return nil
}

// appendPostManifest records the post's metadata as plain text next to its
// files, so the origin of a download survives without the database.
func appendPostManifest(destDir string, post *Post) error {
	err := os.MkdirAll(destDir, dataDirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("URL: " + post.URL + "\n")
	sb.WriteString("Title: " + post.Title + "\n")
	if post.Author != "" {
		sb.WriteString("Author: " + post.Author + "\n")
	}
	if post.Subreddit != "" {
		sb.WriteString("Subreddit: " + post.Subreddit + "\n")
	}
	if post.Permalink != "" {
		sb.WriteString("Permalink: " + redditBaseURL + post.Permalink + "\n")
	}
	if post.CreatedUTC != 0 {
		created := time.Unix(int64(post.CreatedUTC), 0).UTC()
		sb.WriteString("Created: " + created.Format(time.RFC3339) + "\n")
	}
	if post.SelfText != "" {
		sb.WriteString("\n" + post.SelfText + "\n")
	}
	sb.WriteString("\n")

	fh, err := os.OpenFile(filepath.Join(destDir, postManifestName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open post manifest: %w", err)
	}
	defer func() { _ = fh.Close() }()

	_, err = fh.WriteString(sb.String())
	if err != nil {
		return fmt.Errorf("failed to write post manifest: %w", err)
	}
	return nil
}

// ClassifyMediaURL decides how the media behind a post URL can be fetched.
func ClassifyMediaURL(rawURL string) MediaKind {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return MediaUnsupported
	}
	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")

	if directImageHosts[host] || strings.HasSuffix(host, ".staticflickr.com") ||
		strings.HasSuffix(host, ".media.tumblr.com") {
		return MediaDirect
	}

	if host == "imgur.com" || host == "m.imgur.com" {
		if directImageExtensions[strings.ToLower(path.Ext(parsed.Path))] {
			return MediaDirect
		}
		switch {
		case strings.HasPrefix(parsed.Path, "/a/"),
			strings.HasPrefix(parsed.Path, "/gallery/"),
			strings.HasPrefix(parsed.Path, "/t/"),
			strings.HasPrefix(parsed.Path, "/r/"):
			return MediaImgurAlbum
		}
		return MediaUnsupported
	}

	if host == "gfycat.com" || strings.HasSuffix(host, ".gfycat.com") {
		return MediaGfycat
	}

	return MediaUnsupported
}

// SanitizeTitleDir turns a post title into a directory name.  Separators
// and the drive colon are percent-encoded rather than stripped so distinct
// titles stay distinct, and HTML-escaped ampersands are unescaped first.
func SanitizeTitleDir(title string) string {
	title = strings.ReplaceAll(title, "&amp;", "&")
	runes := []rune(title)
	if len(runes) > maxTitleDirLength {
		title = string(runes[:maxTitleDirLength])
	}
	title = strings.ReplaceAll(title, "/", "%2F")
	title = strings.ReplaceAll(title, `\`, "%5C")
	title = strings.ReplaceAll(title, ":", "%3A")
	title = strings.TrimSpace(title)
	if title == "" {
		return "untitled"
	}
	return title
}

// TitleBucket groups title directories into per-letter buckets.  Titles not
// starting with a letter share the "#" bucket.
func TitleBucket(title string) string {
	title = strings.TrimSpace(strings.ReplaceAll(title, "&amp;", "&"))
	for _, r := range title {
		if unicode.IsLetter(r) {
			return string(unicode.ToUpper(r))
		}
		break
	}
	return "#"
}
