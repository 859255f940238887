package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrGfycatNoVideo = errors.New("no video found on gfycat page")
)

// GfycatScraper resolves gfycat page URLs to the direct video file behind
// them.
type GfycatScraper struct {
	logger *slog.Logger
	client Client
}

// NewGfycatScraper creates a GfycatScraper using the given HTTP client.
func NewGfycatScraper(logger *slog.Logger, client Client) *GfycatScraper {
	return &GfycatScraper{logger: logger, client: client}
}

// VideoURL returns the direct media URL behind a gfycat page, preferring
// mp4 over webm over gif.  The page embeds its sources in an amp-video
// element.
//
// Parameters:
//   - pageURL: A gfycat.com page URL
//
// Returns:
//   - string: The direct media URL
//   - error: ErrGfycatNoVideo or any fetch/parse error
func (s *GfycatScraper) VideoURL(pageURL string) (string, error) {
	page, err := s.client.GetPage(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gfycat page %s: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page.Body)))
	if err != nil {
		return "", fmt.Errorf("failed to parse gfycat page %s: %w", pageURL, err)
	}

	sources := make(map[string]string)
	doc.Find("amp-video source, video source").Each(func(_ int, source *goquery.Selection) {
		src, ok := source.Attr("src")
		if !ok || src == "" {
			return
		}
		switch {
		case strings.HasSuffix(src, ".mp4"):
			sources["mp4"] = src
		case strings.HasSuffix(src, ".webm"):
			sources["webm"] = src
		case strings.HasSuffix(src, ".gif"):
			sources["gif"] = src
		}
	})

	// amp-video's own src attribute is the mp4 on newer page layouts.
	if sources["mp4"] == "" {
		if src, ok := doc.Find("amp-video").Attr("src"); ok && strings.HasSuffix(src, ".mp4") {
			sources["mp4"] = src
		}
	}

	for _, format := range []string{"mp4", "webm", "gif"} {
		if sources[format] != "" {
			return sources[format], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrGfycatNoVideo, pageURL)
}
