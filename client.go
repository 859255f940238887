package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// HTTP client retry constants.  Only transient network failures are
	// retried; protocol errors are terminal on the first attempt.
	defaultMaxAttempts   = 5
	defaultRetryInterval = 5 * time.Second

	httpTimeout   = 60 * time.Second
	httpUserAgent = "redarc/1.0 (personal archive tool)"
)

var (
	ErrHTTPStatusNotOK = errors.New("HTTP request failed with non-200 status")
	ErrHTTPNotFound    = errors.New("HTTP 404 Not Found")
	ErrNotHTML         = errors.New("response is not an HTML page")
)

// Page is the result of fetching an HTML page: the body plus the URL the
// request resolved to after redirects, which host scrapers need to detect
// gallery redirects.
type Page struct {
	RequestedURL string
	ResolvedURL  string
	ContentType  string
	Body         []byte
}

// Client is an abstract HTTP client.  In prod, this wraps http.Client.  In
// test, it is a TestClient mock.
type Client interface {
	Get(uri string) ([]byte, error)
	GetPage(uri string) (*Page, error)
	DownloadFile(uri string, destDir string) (string, error)
}

// HTTPClient is a concrete implementation of the Client interface which
// performs GETs with retry logic for transient network failures.
type HTTPClient struct {
	logger        *slog.Logger
	client        *http.Client
	maxAttempts   int
	retryInterval time.Duration
	sleep         func(time.Duration)
}

// NewHTTPClient creates a new HTTPClient instance with default retry
// settings.  The defaults are appropriate for prod use, and are overridden
// for integration tests.
//
// Parameters:
//   - logger: Logger instance
//
// Returns:
//   - *HTTPClient: A new HTTPClient instance ready for use
func NewHTTPClient(logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		logger:        logger,
		client:        &http.Client{},
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
		sleep:         time.Sleep,
	}
}

// SetRetryPolicy configures the retry behavior for failed HTTP requests.
// This method is intended for integration testing where we don't actually
// want to wait between retries.
//
// Parameters:
//   - attempts: Number of attempts before giving up
//   - interval: Time to wait between attempts
func (h *HTTPClient) SetRetryPolicy(attempts int, interval time.Duration) {
	h.maxAttempts = attempts
	h.retryInterval = interval
}

// Get performs an HTTP GET request, retrying transient network failures
// (connect timeout, socket timeout, connection reset) with a fixed backoff
// delay up to the configured attempt count.  Protocol errors such as a
// non-200 status are terminal immediately.
//
// Parameters:
//   - uri: The URL to fetch
//
// Returns:
//   - []byte: The response body content
//   - error: The terminal error, or the final error once attempts are exhausted
func (h *HTTPClient) Get(uri string) ([]byte, error) {
	page, err := h.getPage(uri)
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}

// GetPage fetches an HTML page with the same retry behavior as Get.  If the
// response is not HTML, ErrNotHTML is returned along with the page so the
// caller can inspect the actual content type (some hosts answer a page URL
// with the raw image).
//
// Parameters:
//   - uri: The URL to fetch
//
// Returns:
//   - *Page: The fetched page; non-nil even on ErrNotHTML
//   - error: ErrNotHTML for non-HTML responses, else as for Get
func (h *HTTPClient) GetPage(uri string) (*Page, error) {
	page, err := h.getPage(uri)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(page.ContentType, "html") {
		return page, fmt.Errorf("%w: %s", ErrNotHTML, page.ContentType)
	}
	return page, nil
}

// DownloadFile fetches a file URL into destDir, skipping the fetch entirely
// if the target file already exists.  The local filename is derived from
// the final URL path segment.
//
// Parameters:
//   - uri: The file URL to fetch
//   - destDir: Directory the file is written into (created if missing)
//
// Returns:
//   - string: The local filename (not the full path)
//   - error: Any error encountered during fetch or write
func (h *HTTPClient) DownloadFile(uri string, destDir string) (string, error) {
	filename := filenameFromURL(uri)
	if filename == "" {
		return "", fmt.Errorf("cannot derive filename from %s", uri)
	}

	filePath := filepath.Join(destDir, filename)
	_, err := os.Stat(filePath)
	if err == nil {
		h.logger.Debug("file already exists, skipping download", "file", filePath)
		return filename, nil
	}

	data, err := h.Get(uri)
	if err != nil {
		return "", err
	}

	err = os.MkdirAll(destDir, dataDirPermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	err = WriteAndFsyncFile(filePath, data)
	if err != nil {
		return "", err
	}

	h.logger.Info("file downloaded", "file", filePath)
	return filename, nil
}

// getPage is the retry loop shared by Get and GetPage.
func (h *HTTPClient) getPage(uri string) (*Page, error) {
	h.logger.Debug("HTTPClient GET", "uri", uri)
	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		page, err := h.get(uri)
		if err == nil {
			return page, nil
		}
		if !isTransientNetError(err) {
			h.logger.Debug("HTTPClient GET terminal error", "uri", uri, "error", err)
			return nil, err
		}
		lastErr = err
		h.logger.Info("HTTPClient GET timed out, retrying", "uri", uri, "attempt", attempt, "error", err)
		if attempt < h.maxAttempts {
			h.sleep(h.retryInterval)
		}
	}
	h.logger.Error("HTTPClient GET all attempts failed", "uri", uri, "error", lastErr)
	return nil, lastErr
}

// get performs a single HTTP GET request without retries.  This is used
// inside the public retry loop.
func (h *HTTPClient) get(uri string) (*Page, error) {
	// This is the only place where we need a context, so we create one with
	// a timeout here.  The whole program is intentionally designed so nothing
	// needs to be cleaned up on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", httpUserAgent)

	response, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET failed: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("resource not found: %w", ErrHTTPNotFound)
	}

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatusNotOK, response.Status)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Page{
		RequestedURL: uri,
		ResolvedURL:  response.Request.URL.String(),
		ContentType:  response.Header.Get("Content-Type"),
		Body:         body,
	}, nil
}

// isTransientNetError reports whether err is one of the network failure
// classes that warrant a retry: timeouts and connection resets.  Everything
// else (DNS failures, protocol errors, TLS errors) is terminal.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}

// filenameFromURL extracts the last path segment of a URL, stripped of any
// query string and sanitized for the filesystem.
//
// Security: splitting on "/" ensures we won't accidentally include any path
// components, which could lead to directory traversal attacks.
func filenameFromURL(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	parts := strings.Split(parsed.Path, "/")
	filename := parts[len(parts)-1]
	return sanitizeFilename(filename)
}

// sanitizeFilename replaces characters that are unsafe in filenames (and on
// Windows, reserved) with underscores.
func sanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", "_",
		">", "_",
		":", "_",
		"\"", "_",
		"\\", "_",
		"|", "_",
		"?", "_",
		"*", "_",
	)
	return replacer.Replace(filename)
}
