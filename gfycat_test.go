package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"testing"

	main "redarc"

	"gotest.tools/assert"
)

func TestGfycatPrefersMP4(t *testing.T) {
	client := NewTestClient()
	client.SetResponse("https://gfycat.com/merrycat", []byte(`<html><body>
<amp-video>
<source src="https://giant.gfycat.com/merrycat.webm"/>
<source src="https://giant.gfycat.com/merrycat.mp4"/>
<source src="https://giant.gfycat.com/merrycat.gif"/>
</amp-video>
</body></html>`), nil)

	scraper := main.NewGfycatScraper(NewTestLogger(t), client)
	videoURL, err := scraper.VideoURL("https://gfycat.com/merrycat")
	assert.NilError(t, err)
	assert.Equal(t, videoURL, "https://giant.gfycat.com/merrycat.mp4")
}

func TestGfycatFallsBackToWebm(t *testing.T) {
	client := NewTestClient()
	client.SetResponse("https://gfycat.com/merrycat", []byte(`<html><body>
<video><source src="https://giant.gfycat.com/merrycat.webm"/></video>
</body></html>`), nil)

	scraper := main.NewGfycatScraper(NewTestLogger(t), client)
	videoURL, err := scraper.VideoURL("https://gfycat.com/merrycat")
	assert.NilError(t, err)
	assert.Equal(t, videoURL, "https://giant.gfycat.com/merrycat.webm")
}

func TestGfycatAmpVideoSrcAttribute(t *testing.T) {
	client := NewTestClient()
	client.SetResponse("https://gfycat.com/merrycat", []byte(`<html><body>
<amp-video src="https://giant.gfycat.com/merrycat.mp4"></amp-video>
</body></html>`), nil)

	scraper := main.NewGfycatScraper(NewTestLogger(t), client)
	videoURL, err := scraper.VideoURL("https://gfycat.com/merrycat")
	assert.NilError(t, err)
	assert.Equal(t, videoURL, "https://giant.gfycat.com/merrycat.mp4")
}

func TestGfycatNoVideo(t *testing.T) {
	client := NewTestClient()
	client.SetResponse("https://gfycat.com/merrycat", []byte("<html><body>gone</body></html>"), nil)

	scraper := main.NewGfycatScraper(NewTestLogger(t), client)
	_, err := scraper.VideoURL("https://gfycat.com/merrycat")
	assert.Assert(t, errors.Is(err, main.ErrGfycatNoVideo))
}
