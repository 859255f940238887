package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const (
	// Hard cap on rows returned by a single query; the browse UI pages in
	// far smaller chunks.
	maxQueryLimit = 1000
)

var (
	ErrPostNotFound = errors.New("post not found")
)

// postsSchema holds the durable document collection.  Frequently queried
// fields get their own columns; the rest of each post document is archived
// verbatim in the extra column.
const postsSchema = `
CREATE TABLE IF NOT EXISTS posts (
	id            TEXT PRIMARY KEY,
	name          TEXT,
	title         TEXT,
	url           TEXT,
	author        TEXT,
	domain        TEXT,
	permalink     TEXT,
	created_utc   INTEGER,
	subreddit     TEXT,
	over_18       INTEGER NOT NULL DEFAULT 0,
	thumbnail     TEXT,
	selftext      TEXT,
	post_hint     TEXT,
	is_video      INTEGER NOT NULL DEFAULT 0,
	is_self       INTEGER NOT NULL DEFAULT 0,
	num_comments  INTEGER NOT NULL DEFAULT 0,
	score         INTEGER NOT NULL DEFAULT 0,
	extra         TEXT,
	added_at      INTEGER NOT NULL,
	last_update   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_created_utc ON posts(created_utc);
CREATE INDEX IF NOT EXISTS posts_post_hint ON posts(post_hint);
`

// postExtra is the catch-all remainder of a post document, stored as JSON
// in the extra column.
type postExtra struct {
	Name          string          `json:"name,omitempty"`
	Created       float64         `json:"created,omitempty"`
	SubredditID   string          `json:"subreddit_id,omitempty"`
	SubredditType string          `json:"subreddit_type,omitempty"`
	SelfTextHTML  string          `json:"selftext_html,omitempty"`
	Stickied      bool            `json:"stickied,omitempty"`
	Locked        bool            `json:"locked,omitempty"`
	Archived      bool            `json:"archived,omitempty"`
	Spoiler       bool            `json:"spoiler,omitempty"`
	Media         json.RawMessage `json:"media,omitempty"`
	MediaEmbed    json.RawMessage `json:"media_embed,omitempty"`
	Preview       json.RawMessage `json:"preview,omitempty"`
}

// PostStore is the durable document collection of scraped posts, keyed by
// post identity.  Re-observing a known post updates the existing row; the
// store never grows duplicates for one identifier.
type PostStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// PostQuery selects and orders posts for reading.  Zero values mean "no
// constraint".
type PostQuery struct {
	PostHint string
	Author   string
	Search   string // substring match on title
	IDs      []string
	SortBy   string // column name; default created_utc
	SortAsc  bool
	Skip     uint64
	Limit    uint64
}

// OpenPostStore opens (or creates) the posts collection at the given file
// path.
//
// Parameters:
//   - path: Path of the SQLite database file
//
// Returns:
//   - *PostStore: The opened store
//   - error: Any error encountered opening the database or applying schema
func OpenPostStore(path string) (*PostStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open posts store: %w", err)
	}

	_, err = db.Exec(postsSchema)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply posts schema: %w", err)
	}

	return &PostStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close releases the underlying database handle.
func (s *PostStore) Close() error {
	return s.db.Close()
}

// Upsert merges a post into the collection keyed by its identity.  A
// previously unseen identity is inserted with added_at set to now; a known
// identity has its fields refreshed and last_update bumped, preserving the
// original added_at.
//
// Parameters:
//   - post: The observed post document
//   - now: Observation time
//
// Returns:
//   - bool: True if the post was newly inserted
//   - error: Any database error
func (s *PostStore) Upsert(post *Post, now time.Time) (bool, error) {
	key := post.Key()
	if key == "" {
		return false, errors.New("post has neither id nor url")
	}

	extra, err := json.Marshal(postExtra{
		Name:          post.Name,
		Created:       post.Created,
		SubredditID:   post.SubredditID,
		SubredditType: post.SubredditType,
		SelfTextHTML:  post.SelfTextHTML,
		Stickied:      post.Stickied,
		Locked:        post.Locked,
		Archived:      post.Archived,
		Spoiler:       post.Spoiler,
		Media:         post.Media,
		MediaEmbed:    post.MediaEmbed,
		Preview:       post.Preview,
	})
	if err != nil {
		// All fields are JSON-decoded values or plain strings; marshaling
		// cannot fail unless the Post type itself is broken.
		fatalInvariant(err)
	}

	fields := map[string]any{
		"name":         post.Name,
		"title":        post.Title,
		"url":          post.URL,
		"author":       post.Author,
		"domain":       post.Domain,
		"permalink":    post.Permalink,
		"created_utc":  int64(post.CreatedUTC),
		"subreddit":    post.Subreddit,
		"over_18":      post.Over18,
		"thumbnail":    post.Thumbnail,
		"selftext":     post.SelfText,
		"post_hint":    post.PostHint,
		"is_video":     post.IsVideo,
		"is_self":      post.IsSelf,
		"num_comments": post.NumComments,
		"score":        post.Score,
		"extra":        string(extra),
		"last_update":  now.Unix(),
	}

	var exists int
	err = s.db.QueryRow("SELECT 1 FROM posts WHERE id = ?", key).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fields["id"] = key
		fields["added_at"] = now.Unix()
		query, args, buildErr := s.builder.Insert("posts").SetMap(fields).ToSql()
		if buildErr != nil {
			return false, fmt.Errorf("failed to build insert: %w", buildErr)
		}
		_, err = s.db.Exec(query, args...)
		if err != nil {
			return false, fmt.Errorf("failed to insert post %s: %w", key, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up post %s: %w", key, err)
	default:
		query, args, buildErr := s.builder.Update("posts").SetMap(fields).Where(sq.Eq{"id": key}).ToSql()
		if buildErr != nil {
			return false, fmt.Errorf("failed to build update: %w", buildErr)
		}
		_, err = s.db.Exec(query, args...)
		if err != nil {
			return false, fmt.Errorf("failed to update post %s: %w", key, err)
		}
		return false, nil
	}
}

// Get returns the post stored under the given identity, or ErrPostNotFound.
func (s *PostStore) Get(id string) (*Post, error) {
	posts, err := s.Query(PostQuery{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}
	return posts[0], nil
}

// Count returns the number of posts in the collection.
func (s *PostStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM posts").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return count, nil
}

// Query returns posts matching the query, sorted and paginated.
func (s *PostStore) Query(q PostQuery) ([]*Post, error) {
	builder := s.builder.Select(
		"id", "title", "url", "author", "domain", "permalink",
		"created_utc", "subreddit", "over_18", "thumbnail", "selftext",
		"post_hint", "is_video", "is_self", "num_comments", "score", "extra",
	).From("posts")

	if q.PostHint != "" {
		builder = builder.Where(sq.Eq{"post_hint": q.PostHint})
	}
	if q.Author != "" {
		builder = builder.Where(sq.Eq{"author": q.Author})
	}
	if q.Search != "" {
		pattern := "%" + escapeLike(q.Search) + "%"
		builder = builder.Where(sq.Expr(`title LIKE ? ESCAPE '\'`, pattern))
	}
	if len(q.IDs) > 0 {
		builder = builder.Where(sq.Eq{"id": q.IDs})
	}

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "created_utc"
	}
	if !isSortableColumn(sortBy) {
		return nil, fmt.Errorf("cannot sort posts by %q", sortBy)
	}
	direction := "DESC"
	if q.SortAsc {
		direction = "ASC"
	}
	builder = builder.OrderBy(sortBy + " " + direction)

	limit := q.Limit
	if limit == 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	builder = builder.Limit(limit).Offset(q.Skip)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []*Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// Snapshot writes a consistent copy of the collection to destPath for a
// reader to open independently.  Callers must hold the dataset lock so no
// writer mutates the collection mid-copy.
func (s *PostStore) Snapshot(destPath string) error {
	// VACUUM INTO refuses to overwrite; replace any stale snapshot first.
	err := removeIfExists(destPath)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("failed to snapshot posts store: %w", err)
	}
	return nil
}

func scanPost(rows *sql.Rows) (*Post, error) {
	var post Post
	var createdUTC int64
	var rawExtra sql.NullString
	err := rows.Scan(
		&post.ID, &post.Title, &post.URL, &post.Author, &post.Domain,
		&post.Permalink, &createdUTC, &post.Subreddit, &post.Over18,
		&post.Thumbnail, &post.SelfText, &post.PostHint, &post.IsVideo,
		&post.IsSelf, &post.NumComments, &post.Score, &rawExtra,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan post: %w", err)
	}
	post.CreatedUTC = float64(createdUTC)

	if rawExtra.Valid && rawExtra.String != "" {
		var extra postExtra
		if json.Unmarshal([]byte(rawExtra.String), &extra) == nil {
			post.Name = extra.Name
			post.Created = extra.Created
			post.SubredditID = extra.SubredditID
			post.SubredditType = extra.SubredditType
			post.SelfTextHTML = extra.SelfTextHTML
			post.Stickied = extra.Stickied
			post.Locked = extra.Locked
			post.Archived = extra.Archived
			post.Spoiler = extra.Spoiler
			post.Media = extra.Media
			post.MediaEmbed = extra.MediaEmbed
			post.Preview = extra.Preview
		}
	}

	return &post, nil
}

// isSortableColumn allowlists sort columns; sort fields come from query
// strings and must never reach SQL unchecked.
func isSortableColumn(column string) bool {
	switch column {
	case "created_utc", "score", "num_comments", "title", "author", "last_update", "added_at":
		return true
	}
	return false
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
