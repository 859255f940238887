package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrImgurNoImages = errors.New("no images found in imgur album")
)

// imgur album pages embed their image list in a window.runSlots assignment
// inside an inline script.
var (
	imgurRunSlotsPattern = regexp.MustCompile(`window\.runSlots\s*=\s*(\{[\s\S]*?\})\s*;\s*\n`)
	imgurTrailingCommas  = regexp.MustCompile(`,\s*([}\]])`)
)

// imgurRunSlots mirrors the part of the embedded payload we need.
type imgurRunSlots struct {
	Item struct {
		Hash        string `json:"hash"`
		AlbumImages struct {
			Images []struct {
				Hash string `json:"hash"`
				Ext  string `json:"ext"`
			} `json:"images"`
		} `json:"album_images"`
	} `json:"item"`
}

// ImgurScraper resolves imgur album and gallery URLs to the direct image
// files they contain.
type ImgurScraper struct {
	logger *slog.Logger
	client Client
}

// NewImgurScraper creates an ImgurScraper using the given HTTP client.
func NewImgurScraper(logger *slog.Logger, client Client) *ImgurScraper {
	return &ImgurScraper{logger: logger, client: client}
}

// AlbumImages returns the direct image URLs of an imgur album, gallery or
// tag post.  Gallery and tag URLs are first rewritten to the album's
// blog-layout page, which embeds the full image list for every album size.
//
// Parameters:
//   - albumURL: An imgur /a/, /gallery/ or /t/ URL
//
// Returns:
//   - []string: Direct i.imgur.com image URLs, in album order
//   - error: ErrImgurNoImages or any fetch/parse error
func (s *ImgurScraper) AlbumImages(albumURL string) ([]string, error) {
	pageURL, err := imgurBlogLayoutURL(albumURL)
	if err != nil {
		return nil, err
	}

	page, err := s.client.GetPage(pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch imgur album %s: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page.Body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse imgur album %s: %w", pageURL, err)
	}

	images := s.imagesFromRunSlots(doc)
	if len(images) == 0 {
		images = imagesFromPostImages(doc)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrImgurNoImages, pageURL)
	}
	return images, nil
}

// imagesFromRunSlots extracts the image list from the window.runSlots
// payload.  The payload is JavaScript, not quite JSON; trailing commas are
// stripped before decoding, anything else unparseable makes us fall back to
// the DOM.
func (s *ImgurScraper) imagesFromRunSlots(doc *goquery.Document) []string {
	var images []string
	doc.Find("script").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		text := script.Text()
		if !strings.Contains(text, "window.runSlots") {
			return true
		}
		match := imgurRunSlotsPattern.FindStringSubmatch(text)
		if match == nil {
			return true
		}

		repaired := imgurTrailingCommas.ReplaceAllString(match[1], "$1")
		var slots imgurRunSlots
		err := json.Unmarshal([]byte(repaired), &slots)
		if err != nil {
			s.logger.Debug("Failed to decode imgur runSlots payload", "error", err)
			return true
		}

		for _, image := range slots.Item.AlbumImages.Images {
			if image.Hash == "" {
				continue
			}
			ext := image.Ext
			if ext == "" {
				ext = ".jpg"
			}
			images = append(images, "https://i.imgur.com/"+image.Hash+ext)
		}
		if len(images) == 0 && slots.Item.Hash != "" {
			// Single-image post: runSlots carries the item hash only.
			images = append(images, "https://i.imgur.com/"+slots.Item.Hash+".jpg")
		}
		return false
	})
	return images
}

// imagesFromPostImages reads image URLs straight out of the album DOM.
func imagesFromPostImages(doc *goquery.Document) []string {
	var images []string
	doc.Find("div.post-image img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || src == "" {
			return
		}
		if strings.HasPrefix(src, "//") {
			src = "https:" + src
		}
		images = append(images, src)
	})
	return images
}

// imgurBlogLayoutURL rewrites any album-shaped imgur URL to the blog-layout
// album page, which lists every image regardless of album size.
func imgurBlogLayoutURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse imgur url %s: %w", rawURL, err)
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	var id string
	switch {
	case len(segments) >= 2 && (segments[0] == "a" || segments[0] == "gallery"):
		id = segments[1]
	case len(segments) >= 3 && (segments[0] == "t" || segments[0] == "r"):
		// Tag and subreddit mirrors: /t/<tag>/<id>, /r/<sub>/<id>
		id = segments[2]
	default:
		return "", fmt.Errorf("not an imgur album url: %s", rawURL)
	}

	return "https://imgur.com/a/" + id + "/layout/blog", nil
}
