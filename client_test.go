package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"

	main "redarc"

	"gotest.tools/assert"
)

// resettingServer listens on a loopback port and resets the first resets
// connections with an RST, then answers plain HTTP 200s.  The returned
// counter reports how many connections were attempted.
func resettingServer(t *testing.T, resets int32) (string, *atomic.Int32) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	var conns atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			attempt := conns.Add(1)

			buf := make([]byte, 4096)
			_, _ = conn.Read(buf)

			if attempt <= resets {
				// SetLinger(0) makes Close send an RST, which the client
				// observes as a connection reset mid-request.
				if tcp, ok := conn.(*net.TCPConn); ok {
					_ = tcp.SetLinger(0)
				}
				_ = conn.Close()
				continue
			}

			_, _ = conn.Write([]byte(
				"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"))
			_ = conn.Close()
		}
	}()

	return "http://" + listener.Addr().String(), &conns
}

func TestHTTPClientGet(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	client := main.NewHTTPClient(NewTestLogger(t))
	body, err := client.Get(server.URL)
	assert.NilError(t, err)
	assert.Equal(t, string(body), "hello")
	assert.Equal(t, hits.Load(), int32(1))
}

func TestHTTPClientGetNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := main.NewHTTPClient(NewTestLogger(t))
	_, err := client.Get(server.URL)
	assert.Assert(t, errors.Is(err, main.ErrHTTPNotFound))
}

func TestHTTPClientGetServerErrorIsTerminal(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := main.NewHTTPClient(NewTestLogger(t))
	client.SetRetryPolicy(3, 0)
	_, err := client.Get(server.URL)
	assert.Assert(t, errors.Is(err, main.ErrHTTPStatusNotOK))
	// Protocol errors are not retried.
	assert.Equal(t, hits.Load(), int32(1))
}

func TestHTTPClientRetriesConnectionReset(t *testing.T) {
	url, conns := resettingServer(t, 2)

	client := main.NewHTTPClient(NewTestLogger(t))
	client.SetRetryPolicy(5, 0)

	body, err := client.Get(url)
	assert.NilError(t, err)
	assert.Equal(t, string(body), "hello")
	// Two resets, then the fetch that succeeded.
	assert.Equal(t, conns.Load(), int32(3))
}

func TestHTTPClientRetryExhaustionReturnsLastError(t *testing.T) {
	url, conns := resettingServer(t, 100)

	client := main.NewHTTPClient(NewTestLogger(t))
	client.SetRetryPolicy(3, 0)

	_, err := client.Get(url)
	assert.Assert(t, errors.Is(err, syscall.ECONNRESET))
	assert.Equal(t, conns.Load(), int32(3))
}

func TestHTTPClientGetPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer server.Close()

	client := main.NewHTTPClient(NewTestLogger(t))
	page, err := client.GetPage(server.URL)
	assert.NilError(t, err)
	assert.Equal(t, page.RequestedURL, server.URL)
	assert.Assert(t, len(page.Body) > 0)
}

func TestHTTPClientGetPageNotHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8}) // JPEG magic
	}))
	defer server.Close()

	client := main.NewHTTPClient(NewTestLogger(t))
	page, err := client.GetPage(server.URL)
	assert.Assert(t, errors.Is(err, main.ErrNotHTML))
	// The page still comes back so callers can inspect what they got.
	assert.Assert(t, page != nil)
	assert.Equal(t, page.ContentType, "image/jpeg")
}

func TestHTTPClientDownloadFile(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	dir := t.TempDir()
	client := main.NewHTTPClient(NewTestLogger(t))

	filename, err := client.DownloadFile(server.URL+"/pics/cat.jpg", dir)
	assert.NilError(t, err)
	assert.Equal(t, filename, "cat.jpg")

	data, err := os.ReadFile(filepath.Join(dir, "cat.jpg"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "image-bytes")

	// A second download of the same URL must not hit the network.
	_, err = client.DownloadFile(server.URL+"/pics/cat.jpg", dir)
	assert.NilError(t, err)
	assert.Equal(t, hits.Load(), int32(1))
}

func TestHTTPClientDownloadFileStripsQueryString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	dir := t.TempDir()
	client := main.NewHTTPClient(NewTestLogger(t))
	filename, err := client.DownloadFile(server.URL+"/a/b.png?width=640&s=abc", dir)
	assert.NilError(t, err)
	assert.Equal(t, filename, "b.png")
}

func TestHTTPClientDownloadFileBadURL(t *testing.T) {
	client := main.NewHTTPClient(NewTestLogger(t))
	_, err := client.DownloadFile("https://example.com/", t.TempDir())
	assert.ErrorContains(t, err, "cannot derive filename")
}
