package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// Endpoint paths.
const (
	PathGetJ    = "/getj"
	PathSocialJ = "/socialj"
	PathSet     = "/set"
)

// ErrStatus is returned when the facade answers with a non-2xx status.
var ErrStatus = errors.New("remote: unexpected status")

// Client calls a remote facade.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for base, e.g. "http://crawler:8080". A nil
// httpClient uses one with a 60s timeout.
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

// URL returns the absolute address of an endpoint path.
func (c *Client) URL(path string) string {
	return c.base + path
}

// GetJ fetches pageURL through the facade.
func (c *Client) GetJ(ctx context.Context, pageURL string, sel CrawlerSelection) (crawler.FetchResponse, error) {
	doc, err := c.get(ctx, PathGetJ, pageURL, sel)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return doc.FetchResponse()
}

// SocialJ fetches pageURL and returns the document, whose Properties carry
// the page's title, description and social metadata.
func (c *Client) SocialJ(ctx context.Context, pageURL string, sel CrawlerSelection) (Document, error) {
	return c.get(ctx, PathSocialJ, pageURL, sel)
}

// Set pushes a crawled response to the facade's collector.
func (c *Client) Set(ctx context.Context, resp crawler.FetchResponse) error {
	payload, err := json.Marshal(NewDocument(resp))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathSet, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", PathSet, err)
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)
	if httpResp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s %d", ErrStatus, PathSet, httpResp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path, pageURL string, sel CrawlerSelection) (Document, error) {
	q := url.Values{}
	q.Set("url", pageURL)
	if data := sel.Encode(); data != "" {
		q.Set("crawler_data", data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return Document{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	httpResp, err := c.http.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return Document{}, fmt.Errorf("%w: %s %d: %s", ErrStatus, path, httpResp.StatusCode, strings.TrimSpace(string(body)))
	}
	var doc Document
	if err := json.NewDecoder(httpResp.Body).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
