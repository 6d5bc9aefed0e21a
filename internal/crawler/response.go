package crawler

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Synthetic status codes for failures that never produced an HTTP status.
const (
	StatusGenericError     = 600
	StatusConnectionError  = 603
	StatusTimeout          = 604
	StatusTooBig           = 612
	StatusUnsupportedType  = 613
	StatusServerError      = 614
	DefaultEncoding        = "utf-8"
	ErrTextPageTooBig      = "Page is too big"
	ErrTextUnsupportedType = "Unsupported content type"
)

// FetchResponse is the result returned by a Backend. Exactly one of text or
// binary is supplied; the other is derived with the resolved encoding.
type FetchResponse struct {
	URL         string
	RequestURL  string
	StatusCode  int
	Headers     http.Header
	Errors      []string
	CrawlerData map[string]string
	CrawlTime   time.Duration

	encoding string
	text     string
	binary   []byte
	isBinary bool
	hasBody  bool
}

// NewResponse creates a body-less response for the given request.
func NewResponse(requestURL string, status int) FetchResponse {
	return FetchResponse{
		URL:        requestURL,
		RequestURL: requestURL,
		StatusCode: status,
		Headers:    http.Header{},
	}
}

// NewErrorResponse builds a terminal response carrying a synthetic code.
func NewErrorResponse(requestURL string, status int, err error) FetchResponse {
	resp := NewResponse(requestURL, status)
	if err != nil {
		resp.AddError(err.Error())
	}
	return resp
}

// AddError appends a human-readable error.
func (r *FetchResponse) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// AddErrorf appends a formatted error.
func (r *FetchResponse) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}

// SetCrawlerData records backend-identifying metadata.
func (r *FetchResponse) SetCrawlerData(key, value string) {
	if r.CrawlerData == nil {
		r.CrawlerData = map[string]string{}
	}
	r.CrawlerData[key] = value
}

// SetText stores a text body. Headers must be populated first: the encoding
// resolves from Content-Type and the body itself when not already set.
func (r *FetchResponse) SetText(text string) {
	r.text = text
	r.binary = nil
	r.isBinary = false
	r.hasBody = true
	if r.encoding == "" {
		r.encoding = ResolveEncoding(r.Headers.Get("Content-Type"), []byte(text))
	}
}

// SetBinary stores a raw body.
func (r *FetchResponse) SetBinary(body []byte) {
	r.binary = append([]byte(nil), body...)
	r.text = ""
	r.isBinary = true
	r.hasBody = true
	if r.encoding == "" {
		r.encoding = ResolveEncoding(r.Headers.Get("Content-Type"), body)
	}
}

// SetEncoding overrides encoding resolution.
func (r *FetchResponse) SetEncoding(enc string) {
	r.encoding = strings.TrimSpace(enc)
}

// Encoding returns the resolved character encoding, never empty.
func (r FetchResponse) Encoding() string {
	if r.encoding == "" {
		return DefaultEncoding
	}
	return r.encoding
}

// HasBody reports whether a backend supplied any body.
func (r FetchResponse) HasBody() bool {
	return r.hasBody
}

// IsBinarySource reports whether the body was supplied as bytes.
func (r FetchResponse) IsBinarySource() bool {
	return r.isBinary
}

// Text returns the body as text, decoding bytes with the resolved encoding.
func (r FetchResponse) Text() string {
	if !r.isBinary {
		return r.text
	}
	return DecodeBytes(r.binary, r.Encoding())
}

// Binary returns the body bytes, encoding text with the resolved encoding.
func (r FetchResponse) Binary() []byte {
	if r.isBinary {
		return r.binary
	}
	if !r.hasBody {
		return nil
	}
	return EncodeText(r.text, r.Encoding())
}

// BodyLength returns the body size in bytes.
func (r FetchResponse) BodyLength() int64 {
	if r.isBinary {
		return int64(len(r.binary))
	}
	return int64(len(r.text))
}

// ContentLength returns the Content-Length header, or the body size when the
// header is missing or malformed.
func (r FetchResponse) ContentLength() int64 {
	if n, ok := HeaderContentLength(r.Headers); ok {
		return n
	}
	return r.BodyLength()
}

// ContentType returns the Content-Type header value.
func (r FetchResponse) ContentType() string {
	return r.Headers.Get("Content-Type")
}

// Class classifies the status code.
func (r FetchResponse) Class() StatusClass {
	return Classify(r.StatusCode)
}

// IsOK reports a 2xx status.
func (r FetchResponse) IsOK() bool {
	return r.Class() == StatusOK
}

// Equal compares two responses structurally.
func (r FetchResponse) Equal(o FetchResponse) bool {
	if r.URL != o.URL || r.RequestURL != o.RequestURL || r.StatusCode != o.StatusCode {
		return false
	}
	if r.Encoding() != o.Encoding() || r.CrawlTime != o.CrawlTime {
		return false
	}
	if r.Text() != o.Text() || !bytes.Equal(r.Binary(), o.Binary()) {
		return false
	}
	if strings.Join(r.Errors, "\n") != strings.Join(o.Errors, "\n") {
		return false
	}
	if len(r.CrawlerData) != len(o.CrawlerData) {
		return false
	}
	for k, v := range r.CrawlerData {
		if o.CrawlerData[k] != v {
			return false
		}
	}
	if len(r.Headers) != len(o.Headers) {
		return false
	}
	for k := range r.Headers {
		if strings.Join(r.Headers[k], ",") != strings.Join(o.Headers[k], ",") {
			return false
		}
	}
	return true
}
