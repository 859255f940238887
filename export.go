package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
)

const exportFileName = "posts-exported.json"

// exportedPost is the flattened shape written for external consumers.  It
// carries everything a reader needs without opening the database.
type exportedPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Author      string  `json:"author,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	Permalink   string  `json:"permalink,omitempty"`
	CreatedUTC  float64 `json:"created_utc,omitempty"`
	Subreddit   string  `json:"subreddit,omitempty"`
	Over18      bool    `json:"over_18,omitempty"`
	Thumbnail   string  `json:"thumbnail,omitempty"`
	SelfText    string  `json:"selftext,omitempty"`
	PostHint    string  `json:"post_hint,omitempty"`
	IsVideo     bool    `json:"is_video,omitempty"`
	IsSelf      bool    `json:"is_self,omitempty"`
	NumComments int     `json:"num_comments,omitempty"`
	Score       int     `json:"score,omitempty"`
}

// ExportPosts writes the source's full post collection to
// posts-exported.json in its data directory, newest first.  The file is a
// plain JSON array so any tool can read the archive without SQLite.
//
// Parameters:
//   - logger: Logger instance for writing log messages
//   - store: The source's post collection
//   - dataDir: The source's data directory
//
// Returns:
//   - int: Number of posts exported
//   - error: Any query or write error
func ExportPosts(logger *slog.Logger, store *PostStore, dataDir string) (int, error) {
	var posts []*Post
	for skip := uint64(0); ; skip += maxQueryLimit {
		batch, err := store.Query(PostQuery{SortBy: "created_utc", Skip: skip, Limit: maxQueryLimit})
		if err != nil {
			return 0, fmt.Errorf("failed to read posts for export: %w", err)
		}
		posts = append(posts, batch...)
		if len(batch) < maxQueryLimit {
			break
		}
	}

	exported := make([]exportedPost, 0, len(posts))
	for _, post := range posts {
		exported = append(exported, exportedPost{
			ID:          post.Key(),
			Title:       post.Title,
			URL:         post.URL,
			Author:      post.Author,
			Domain:      post.Domain,
			Permalink:   post.Permalink,
			CreatedUTC:  post.CreatedUTC,
			Subreddit:   post.Subreddit,
			Over18:      post.Over18,
			Thumbnail:   post.Thumbnail,
			SelfText:    post.SelfText,
			PostHint:    post.PostHint,
			IsVideo:     post.IsVideo,
			IsSelf:      post.IsSelf,
			NumComments: post.NumComments,
			Score:       post.Score,
		})
	}

	raw, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		fatalInvariant(err)
	}

	path := filepath.Join(dataDir, exportFileName)
	err = writeFileAtomic(path, raw)
	if err != nil {
		return 0, fmt.Errorf("failed to write export file: %w", err)
	}

	logger.Info("Exported posts", "path", path, "count", len(exported))
	return len(exported), nil
}
