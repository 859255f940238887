package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"
)

const (
	favoritesFileName = "favorites.json"
	browseDBName      = "posts-browse.db"

	browseShutdownTimeout = 5 * time.Second
)

// Favorites tracks the posts a user has marked, keyed by post identity.
type Favorites struct {
	store *JsonStore
}

// NewFavorites opens the favorites store in the given source directory.
func NewFavorites(dataDir string) (*Favorites, error) {
	store, err := NewJsonStore(filepath.Join(dataDir, favoritesFileName))
	if err != nil {
		return nil, err
	}
	return &Favorites{store: store}, nil
}

// Toggle flips the favorite state of a post.
//
// Parameters:
//   - id: The post identity
//
// Returns:
//   - bool: The new state, true when the post is now favorited
//   - error: Any persistence error
func (f *Favorites) Toggle(id string) (bool, error) {
	if _, ok := f.store.Get(id); ok {
		return false, f.store.Delete(id)
	}
	err := f.store.Set(id, map[string]any{"faved_at": timeNow().Unix()})
	return true, err
}

// IsFavorite reports whether the post is favorited.
func (f *Favorites) IsFavorite(id string) bool {
	_, ok := f.store.Get(id)
	return ok
}

// IDs returns the identities of all favorited posts.
func (f *Favorites) IDs() []string {
	snapshot := f.store.ToMap()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	return ids
}

// BrowseServer serves a source's archive over a local JSON API.  It reads
// from a snapshot of the post collection so the archiver can keep scraping
// while someone browses; only favorites write through to live state.
type BrowseServer struct {
	logger    *slog.Logger
	api       *RedditAPI
	store     *PostStore
	favorites *Favorites
	lock      *DatasetLock
}

// NewBrowseServer snapshots the source's post collection and opens it for
// reading.  The snapshot is taken under the dataset lock; afterwards only
// the browse lock is held, so scraping and browsing can overlap.
//
// Parameters:
//   - logger: Logger instance for writing log messages
//   - client: HTTP client used for live comment fetches
//   - srcDir: The source's data directory
//
// Returns:
//   - *BrowseServer: The prepared server; callers must Close it
//   - error: ErrDatasetLocked or any snapshot/open error
func NewBrowseServer(logger *slog.Logger, client Client, srcDir string) (*BrowseServer, error) {
	err := snapshotForBrowse(srcDir)
	if err != nil {
		return nil, err
	}

	browseLock, err := AcquireLock(srcDir, browseLockName)
	if err != nil {
		return nil, err
	}

	store, err := OpenPostStore(filepath.Join(srcDir, browseDBName))
	if err != nil {
		browseLock.Release()
		return nil, err
	}

	favorites, err := NewFavorites(srcDir)
	if err != nil {
		_ = store.Close()
		browseLock.Release()
		return nil, err
	}

	return &BrowseServer{
		logger:    logger,
		api:       NewRedditAPI(logger, client),
		store:     store,
		favorites: favorites,
		lock:      browseLock,
	}, nil
}

func snapshotForBrowse(srcDir string) error {
	lock, err := AcquireLock(srcDir, datasetLockName)
	if err != nil {
		return err
	}
	defer lock.Release()

	live, err := OpenPostStore(filepath.Join(srcDir, postsDBName))
	if err != nil {
		return err
	}
	defer func() { _ = live.Close() }()

	return live.Snapshot(filepath.Join(srcDir, browseDBName))
}

// Close releases the snapshot store and the browse lock.
func (s *BrowseServer) Close() error {
	err := s.store.Close()
	s.lock.Release()
	return err
}

// Handler returns the JSON API routes.
func (s *BrowseServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts", s.handleListPosts)
	mux.HandleFunc("GET /posts/{id}", s.handleGetPost)
	mux.HandleFunc("GET /posts/{id}/comments", s.handleGetComments)
	mux.HandleFunc("GET /favorites", s.handleListFavorites)
	mux.HandleFunc("POST /favorites/{id}", s.handleToggleFavorite)
	return mux
}

// ListenAndServe runs the API on addr until the context is cancelled.
func (s *BrowseServer) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), browseShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Browse server listening", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// browsePost is a post as rendered by the API, with favorite state mixed
// in.
type browsePost struct {
	*Post
	Favorite bool `json:"favorite"`
}

func (s *BrowseServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	query := PostQuery{
		PostHint: r.FormValue("type"),
		Author:   r.FormValue("author"),
		Search:   r.FormValue("search"),
		SortBy:   r.FormValue("sort"),
		SortAsc:  r.FormValue("order") == "asc",
	}
	query.Skip, _ = strconv.ParseUint(r.FormValue("skip"), 10, 64)
	query.Limit, _ = strconv.ParseUint(r.FormValue("limit"), 10, 64)

	posts, err := s.store.Query(query)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.writePosts(w, posts)
}

func (s *BrowseServer) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.Get(r.PathValue("id"))
	if errors.Is(err, ErrPostNotFound) {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, browsePost{Post: post, Favorite: s.favorites.IsFavorite(post.Key())})
}

// handleGetComments fetches the comment tree live rather than from the
// archive; comments are not part of the scraped listings.
func (s *BrowseServer) handleGetComments(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.Get(r.PathValue("id"))
	if errors.Is(err, ErrPostNotFound) {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	comments, err := s.api.GetPostComments(post.Subreddit, post.ID)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *BrowseServer) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	ids := s.favorites.IDs()
	if len(ids) == 0 {
		s.writePosts(w, nil)
		return
	}
	posts, err := s.store.Query(PostQuery{IDs: ids})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	s.writePosts(w, posts)
}

func (s *BrowseServer) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		if errors.Is(err, ErrPostNotFound) {
			writeJSONError(w, http.StatusNotFound, err)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	faved, err := s.favorites.Toggle(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "favorite": faved})
}

func (s *BrowseServer) writePosts(w http.ResponseWriter, posts []*Post) {
	rendered := make([]browsePost, 0, len(posts))
	for _, post := range posts {
		rendered = append(rendered, browsePost{Post: post, Favorite: s.favorites.IsFavorite(post.Key())})
	}
	writeJSON(w, http.StatusOK, rendered)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
