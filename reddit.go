package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

const (
	redditBaseURL = "https://www.reddit.com"

	// Listing payload kinds.  Posts are "t3", comments are "t1"; anything
	// else in a listing is skipped.
	kindPost    = "t3"
	kindComment = "t1"
)

// ListingVariant selects which subreddit listing to walk.  Exactly one
// variant applies to a walk; there are no combinable listing flags.
type ListingVariant int

const (
	VariantDefault ListingVariant = iota
	VariantTop
	VariantHot
	VariantNew
	VariantRising
	VariantControversial
	VariantPromoted
)

// pathSegment returns the listing path segment for the variant, or "" for
// the default front listing.
func (v ListingVariant) pathSegment() string {
	switch v {
	case VariantTop:
		return "top"
	case VariantHot:
		return "hot"
	case VariantNew:
		return "new"
	case VariantRising:
		return "rising"
	case VariantControversial:
		return "controversial"
	case VariantPromoted:
		return "promoted"
	default:
		return ""
	}
}

// String returns the variant's listing name, or "default".
func (v ListingVariant) String() string {
	if seg := v.pathSegment(); seg != "" {
		return seg
	}
	return "default"
}

// VariantFromURL detects the listing variant from a subreddit URL such as
// https://www.reddit.com/r/pics/new.
func VariantFromURL(sourceURL string) ListingVariant {
	sub := SubredditName(sourceURL)
	if sub == "" {
		return VariantDefault
	}
	for _, v := range []ListingVariant{
		VariantTop, VariantHot, VariantNew, VariantRising, VariantControversial, VariantPromoted,
	} {
		if strings.Contains(sourceURL, sub+"/"+v.pathSegment()) {
			return v
		}
	}
	return VariantDefault
}

// Post is one unit of scraped content from a subreddit listing.  Field
// names mirror the listing API's JSON document.
type Post struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Author        string  `json:"author,omitempty"`
	Domain        string  `json:"domain,omitempty"`
	Permalink     string  `json:"permalink,omitempty"`
	Created       float64 `json:"created,omitempty"`
	CreatedUTC    float64 `json:"created_utc,omitempty"`
	Subreddit     string  `json:"subreddit,omitempty"`
	SubredditID   string  `json:"subreddit_id,omitempty"`
	SubredditType string  `json:"subreddit_type,omitempty"`
	Over18        bool    `json:"over_18,omitempty"`
	Thumbnail     string  `json:"thumbnail,omitempty"`
	SelfText      string  `json:"selftext,omitempty"`
	SelfTextHTML  string  `json:"selftext_html,omitempty"`
	PostHint      string  `json:"post_hint,omitempty"`
	Stickied      bool    `json:"stickied,omitempty"`
	Locked        bool    `json:"locked,omitempty"`
	Archived      bool    `json:"archived,omitempty"`
	Spoiler       bool    `json:"spoiler,omitempty"`
	IsVideo       bool    `json:"is_video,omitempty"`
	IsSelf        bool    `json:"is_self,omitempty"`
	NumComments   int     `json:"num_comments,omitempty"`
	Score         int     `json:"score,omitempty"`

	// Extensible bag of optional listing fields we archive but don't
	// interpret.
	Media      json.RawMessage `json:"media,omitempty"`
	MediaEmbed json.RawMessage `json:"media_embed,omitempty"`
	Preview    json.RawMessage `json:"preview,omitempty"`
}

// Key returns the post's stable identity: the site-assigned id, falling
// back to the external URL when the id is absent.
func (p *Post) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.URL
}

// Comment is one node of a post's reply tree.
type Comment struct {
	ID         string     `json:"id"`
	LinkID     string     `json:"link_id,omitempty"`
	ParentID   string     `json:"parent_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Author     string     `json:"author,omitempty"`
	Permalink  string     `json:"permalink,omitempty"`
	Created    float64    `json:"created,omitempty"`
	CreatedUTC float64    `json:"created_utc,omitempty"`
	Body       string     `json:"body,omitempty"`
	BodyHTML   string     `json:"body_html,omitempty"`
	Depth      int        `json:"depth,omitempty"`
	Score      int        `json:"score,omitempty"`
	Replies    []*Comment `json:"replies,omitempty"`
}

// ListingPage is one page of a subreddit listing: the posts plus the opaque
// pagination cursors.
type ListingPage struct {
	Posts  []*Post
	After  string
	Before string
}

// RedditAPI fetches subreddit listings and post detail documents from the
// remote listing API.
type RedditAPI struct {
	logger  *slog.Logger
	client  Client
	baseURL string
}

// NewRedditAPI creates a listing API client on top of the given HTTP client.
//
// Parameters:
//   - logger: Logger instance
//   - client: HTTP client interface for making web requests
//
// Returns:
//   - *RedditAPI: A new API client ready for use
func NewRedditAPI(logger *slog.Logger, client Client) *RedditAPI {
	return &RedditAPI{
		logger:  logger,
		client:  client,
		baseURL: redditBaseURL,
	}
}

// listingEnvelope is the raw wire shape of a listing response.
type listingEnvelope struct {
	Kind string `json:"kind"`
	Data struct {
		After    string `json:"after"`
		Before   string `json:"before"`
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// GetListing fetches one page of a subreddit listing.
//
// A payload that is not parsable as a listing is treated as "no data
// extracted": an empty page is returned rather than an error, so a single
// malformed page doesn't abort a whole walk.  Network and protocol failures
// are returned as errors per the client's retry policy.
//
// Parameters:
//   - subreddit: Subreddit name (no r/ prefix)
//   - variant: Which listing to fetch
//   - after: Pagination cursor from the previous page, "" for the first page
//
// Returns:
//   - *ListingPage: The page's posts and cursors
//   - error: Any terminal fetch error
func (r *RedditAPI) GetListing(subreddit string, variant ListingVariant, after string) (*ListingPage, error) {
	endpoint := r.baseURL + "/r/" + subreddit
	if seg := variant.pathSegment(); seg != "" {
		endpoint += "/" + seg
	}
	endpoint += ".json?raw_json=1"
	if after != "" {
		endpoint += "&after=" + url.QueryEscape(after)
	}

	body, err := r.client.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing page: %w", err)
	}

	var envelope listingEnvelope
	err = json.Unmarshal(body, &envelope)
	if err != nil {
		r.logger.Warn("unparsable listing payload, no data extracted",
			"subreddit", subreddit, "error", err)
		return &ListingPage{}, nil
	}

	page := &ListingPage{
		After:  envelope.Data.After,
		Before: envelope.Data.Before,
	}
	for _, child := range envelope.Data.Children {
		if child.Kind != kindPost {
			continue
		}
		var post Post
		err = json.Unmarshal(child.Data, &post)
		if err != nil {
			r.logger.Warn("skipping unparsable post", "subreddit", subreddit, "error", err)
			continue
		}
		page.Posts = append(page.Posts, &post)
	}

	return page, nil
}

// GetPost fetches a single post's detail document plus its reply tree.
//
// Parameters:
//   - subreddit: Subreddit name (no r/ prefix)
//   - postID: The site-assigned post id
//
// Returns:
//   - *Post: The post detail
//   - []*Comment: The nested reply tree
//   - error: Any terminal fetch or parse error
func (r *RedditAPI) GetPost(subreddit string, postID string) (*Post, []*Comment, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json?raw_json=1", r.baseURL, subreddit, postID)

	body, err := r.client.Get(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch post: %w", err)
	}

	// Post detail responses are a two-element array: the post listing and
	// the comment listing.
	var envelopes []listingEnvelope
	err = json.Unmarshal(body, &envelopes)
	if err != nil {
		return nil, nil, fmt.Errorf("unexpected post payload: %w", err)
	}
	if len(envelopes) < 1 || len(envelopes[0].Data.Children) < 1 {
		return nil, nil, fmt.Errorf("post %s not present in payload", postID)
	}

	var post Post
	err = json.Unmarshal(envelopes[0].Data.Children[0].Data, &post)
	if err != nil {
		return nil, nil, fmt.Errorf("unparsable post detail: %w", err)
	}

	var comments []*Comment
	if len(envelopes) > 1 {
		comments = r.extractComments(&envelopes[1])
	}

	return &post, comments, nil
}

// GetPostComments fetches only the reply tree of a post.
func (r *RedditAPI) GetPostComments(subreddit string, postID string) ([]*Comment, error) {
	_, comments, err := r.GetPost(subreddit, postID)
	return comments, err
}

// extractComments converts a comment listing envelope into the reply tree.
// Non-comment children (e.g. "more" stubs) are skipped.
func (r *RedditAPI) extractComments(envelope *listingEnvelope) []*Comment {
	var comments []*Comment
	for _, child := range envelope.Data.Children {
		if child.Kind != kindComment {
			continue
		}
		comment := r.extractComment(child.Data)
		if comment != nil {
			comments = append(comments, comment)
		}
	}
	return comments
}

// commentEnvelope is the raw wire shape of a single comment.  The replies
// field is either a nested listing or an empty string, so it stays raw
// until extractComment inspects it.
type commentEnvelope struct {
	Comment
	RawReplies json.RawMessage `json:"replies,omitempty"`
}

func (r *RedditAPI) extractComment(raw json.RawMessage) *Comment {
	var envelope commentEnvelope
	err := json.Unmarshal(raw, &envelope)
	if err != nil {
		r.logger.Warn("skipping unparsable comment", "error", err)
		return nil
	}

	comment := envelope.Comment
	comment.Replies = nil

	// Leaf comments carry `"replies": ""` instead of a listing; that simply
	// fails to parse as an envelope and leaves the reply list empty.
	if len(envelope.RawReplies) > 0 {
		var replies listingEnvelope
		if json.Unmarshal(envelope.RawReplies, &replies) == nil {
			comment.Replies = r.extractComments(&replies)
		}
	}

	return &comment
}

// NormalizeSourceURL converts any accepted spelling of a subreddit source
// (full URL with either scheme or host variant, "r/name", "/r/name") to the
// canonical https://www.reddit.com/r/<name> form.  Canonical URLs are the
// unique identity of a source.
func NormalizeSourceURL(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		s = strings.Replace(s, "http://", "https://", 1)
		s = strings.Replace(s, "https://reddit.com/", "https://www.reddit.com/", 1)
	case strings.HasPrefix(s, "/r/"):
		s = redditBaseURL + s
	case strings.HasPrefix(s, "r/"):
		s = redditBaseURL + "/" + s
	default:
		return ""
	}

	// Collapse deep links (comment permalinks, listing variants) to the
	// subreddit root so every form of a subreddit shares one registry key.
	name := SubredditName(strings.TrimSuffix(s, "/"))
	if name == "" {
		return ""
	}
	return redditBaseURL + "/r/" + name
}

// SubredditName extracts the bare subreddit name from a source URL.
func SubredditName(sourceURL string) string {
	for _, prefix := range []string{
		"https://www.reddit.com/r/",
		"https://reddit.com/r/",
		"http://www.reddit.com/r/",
		"http://reddit.com/r/",
	} {
		if strings.HasPrefix(sourceURL, prefix) {
			rest := strings.TrimPrefix(sourceURL, prefix)
			name := strings.Split(rest, "/")[0]
			name = strings.Split(name, "?")[0]
			name = strings.Split(name, "#")[0]
			return strings.TrimSpace(name)
		}
	}
	return ""
}

// SourceDisplayName derives the short display name of a source, e.g.
// "r/pics" from its canonical URL.
func SourceDisplayName(sourceURL string) string {
	return strings.TrimPrefix(sourceURL, "https://www.reddit.com/")
}
