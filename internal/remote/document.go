// Package remote implements the JSON/HTTP facade of a scraping service: the
// document format shared by both sides, a client and a backend built on it.
package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// Properties holds response metadata.
type Properties struct {
	Link            string            `json:"link"`
	RequestURL      string            `json:"request_url,omitempty"`
	Encoding        string            `json:"encoding,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	RecognizedType  string            `json:"recognized_content_type,omitempty"`
	BodyHash        string            `json:"body_hash,omitempty"`
	CrawlTime       float64           `json:"crawl_time"`
	Errors          []string          `json:"errors,omitempty"`
	CrawlerData     map[string]string `json:"crawler_data,omitempty"`
	ContentLength   int64             `json:"content_length"`
	IsValid         bool              `json:"is_valid"`
	IsBinarySource  bool              `json:"is_binary,omitempty"`
	Title           string            `json:"title,omitempty"`
	Description     string            `json:"description,omitempty"`
	Thumbnail       string            `json:"thumbnail,omitempty"`
	Language        string            `json:"language,omitempty"`
	SocialProviders map[string]string `json:"social,omitempty"`
}

// ResponseSection carries the HTTP level fields.
type ResponseSection struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
}

// TextSection carries a text body.
type TextSection struct {
	Contents string `json:"contents"`
}

// BinarySection carries a base64 encoded binary body.
type BinarySection struct {
	Contents string `json:"contents"`
}

// Document is the JSON shape of /getj, /socialj and /set.
type Document struct {
	Properties Properties      `json:"Properties"`
	Response   ResponseSection `json:"Response"`
	Text       *TextSection    `json:"Text,omitempty"`
	Binary     *BinarySection  `json:"Binary,omitempty"`
}

// NewDocument describes resp. The body is sent in the form it was produced.
func NewDocument(resp crawler.FetchResponse) Document {
	doc := Document{
		Properties: Properties{
			Link:           resp.URL,
			RequestURL:     resp.RequestURL,
			Encoding:       resp.Encoding(),
			ContentType:    resp.ContentType(),
			RecognizedType: resp.RecognizedContentType(),
			CrawlTime:      resp.CrawlTime.Seconds(),
			Errors:         resp.Errors,
			CrawlerData:    resp.CrawlerData,
			ContentLength:  resp.ContentLength(),
			IsValid:        resp.IsOK(),
			IsBinarySource: resp.IsBinarySource(),
		},
		Response: ResponseSection{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
		},
	}
	if !resp.HasBody() {
		return doc
	}
	if resp.IsBinarySource() {
		doc.Binary = &BinarySection{Contents: base64.StdEncoding.EncodeToString(resp.Binary())}
	} else {
		doc.Text = &TextSection{Contents: resp.Text()}
	}
	return doc
}

// FetchResponse rebuilds the response. A Binary section wins over Text.
func (d Document) FetchResponse() (crawler.FetchResponse, error) {
	resp := crawler.NewResponse(d.Properties.RequestURL, d.Response.StatusCode)
	resp.URL = d.Properties.Link
	if resp.URL == "" {
		resp.URL = d.Properties.RequestURL
	}
	if d.Response.Headers != nil {
		resp.Headers = d.Response.Headers
	}
	resp.Errors = d.Properties.Errors
	resp.CrawlerData = d.Properties.CrawlerData
	resp.CrawlTime = time.Duration(math.Round(d.Properties.CrawlTime * float64(time.Second)))
	if d.Properties.Encoding != "" {
		resp.SetEncoding(d.Properties.Encoding)
	}
	switch {
	case d.Binary != nil:
		data, err := base64.StdEncoding.DecodeString(d.Binary.Contents)
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("decode binary section: %w", err)
		}
		resp.SetBinary(data)
	case d.Text != nil:
		resp.SetText(d.Text.Contents)
	}
	return resp, nil
}

// CrawlerSelection is the crawler_data query parameter: which crawler or
// mode the service should use and the request flags.
type CrawlerSelection struct {
	Name      string       `json:"name,omitempty"`
	Mode      crawler.Mode `json:"mode,omitempty"`
	Timeout   int          `json:"timeout,omitempty"`
	SSLVerify *bool        `json:"ssl_verify,omitempty"`
	Ping      bool         `json:"ping,omitempty"`
}

// ParseCrawlerSelection decodes the crawler_data parameter. Empty input
// yields the zero selection.
func ParseCrawlerSelection(raw string) (CrawlerSelection, error) {
	var sel CrawlerSelection
	if raw == "" {
		return sel, nil
	}
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return sel, fmt.Errorf("parse crawler_data: %w", err)
	}
	if sel.Mode != "" && !sel.Mode.Valid() {
		return sel, fmt.Errorf("parse crawler_data: unknown mode %q", sel.Mode)
	}
	return sel, nil
}

// Encode renders the selection for a query string.
func (s CrawlerSelection) Encode() string {
	data, err := json.Marshal(s)
	if err != nil || string(data) == "{}" {
		return ""
	}
	return string(data)
}
