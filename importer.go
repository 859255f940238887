package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Importer extracts subreddit links from a web page or a saved HTML file
// and registers them as sources.
type Importer struct {
	logger   *slog.Logger
	client   Client
	registry *SourceRegistry
}

// NewImporter creates an Importer adding into the given registry.
func NewImporter(logger *slog.Logger, client Client, registry *SourceRegistry) *Importer {
	return &Importer{logger: logger, client: client, registry: registry}
}

// Import reads the page at the given location, which is fetched over HTTP
// when it looks like a URL and read from disk otherwise, and adds every
// subreddit linked from it.  Duplicate links collapse to one source.
//
// Parameters:
//   - location: A URL or a local HTML file path
//   - opts: Settings applied to every added source
//
// Returns:
//   - []string: The canonical URLs of the sources added or updated
//   - error: Any fetch, read or persistence error
func (i *Importer) Import(location string, opts SourceOptions) ([]string, error) {
	html, err := i.readPage(location)
	if err != nil {
		return nil, err
	}

	urls, err := ExtractSubredditLinks(html)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no subreddit links found in %s", location)
	}

	var added []string
	for _, url := range urls {
		src, err := i.registry.Add(url, opts)
		if err != nil {
			return added, err
		}
		added = append(added, src.URL)
	}

	i.logger.Info("Imported sources", "location", location, "count", len(added))
	return added, nil
}

func (i *Importer) readPage(location string) (string, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		page, err := i.client.GetPage(location)
		if err != nil {
			return "", fmt.Errorf("failed to fetch import page %s: %w", location, err)
		}
		return string(page.Body), nil
	}

	raw, err := os.ReadFile(location)
	if err != nil {
		return "", fmt.Errorf("failed to read import file %s: %w", location, err)
	}
	return string(raw), nil
}

// ExtractSubredditLinks returns the canonical source URLs of every
// subreddit anchored in the HTML document, deduplicated and sorted.
func ExtractSubredditLinks(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse import page: %w", err)
	}

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, anchor *goquery.Selection) {
		href, _ := anchor.Attr("href")
		if !strings.Contains(href, "reddit.com/r/") && !strings.HasPrefix(href, "/r/") {
			return
		}
		url := NormalizeSourceURL(href)
		if url != "" {
			seen[url] = true
		}
	})

	urls := make([]string, 0, len(seen))
	for url := range seen {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls, nil
}
