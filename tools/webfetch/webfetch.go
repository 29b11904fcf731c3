// Package webfetch renders a page in headless Chrome and extracts its
// readable text. The guide service uses it to pull destination articles.
package webfetch

import (
	"context"
	"time"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

// Result is the extracted content of one fetched page.
type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Byline   string `json:"byline"`
	Text     string `json:"text"`
	TopImage string `json:"top_image"`
	HTMLHash string `json:"html_hash"`
	Status   int    `json:"status"`
	RenderMS int    `json:"render_ms"`
}

// Fetcher renders and extracts a single URL.
type Fetcher interface {
	Exec(ctx context.Context, url string) (Result, error)
}

// New returns the chromedp-backed fetcher.
func New(timeout time.Duration, maxChars int) Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	return &chromeFetcher{timeout: timeout, maxChars: maxChars}
}
