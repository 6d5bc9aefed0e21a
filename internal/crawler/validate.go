package crawler

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// StatusClass groups status codes by how callers treat them.
type StatusClass int

// Status classes.
const (
	StatusNOK StatusClass = iota
	StatusOK
	StatusRedirect
)

func (c StatusClass) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusRedirect:
		return "redirect"
	default:
		return "nok"
	}
}

// Classify maps a status code: [200,300) is ok, (300,400) and 403 are
// redirect-like (not fatal), anything else is nok.
func Classify(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case (code > 300 && code < 400) || code == http.StatusForbidden:
		return StatusRedirect
	default:
		return StatusNOK
	}
}

// AcceptAll disables the content-type gate when present in AcceptedTypes.
const AcceptAll = "all"

// HeaderContentLength parses Content-Length.
func HeaderContentLength(h http.Header) (int64, bool) {
	raw := strings.TrimSpace(h.Get("Content-Length"))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// TooBig reports whether a declared or computed length exceeds maxBytes.
// A non-positive maxBytes disables the gate.
func TooBig(length, maxBytes int64) bool {
	return maxBytes > 0 && length > maxBytes
}

// ContentTypeTokens splits a Content-Type value into lowercase type and
// subtype tokens, e.g. "application/rss+xml" -> [application rss xml].
func ContentTypeTokens(contentType string) []string {
	if strings.TrimSpace(contentType) == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mediaType = strings.ToLower(mediaType)
	fields := strings.FieldsFunc(mediaType, func(r rune) bool {
		return r == '/' || r == '+' || r == '-' || r == '.'
	})
	return fields
}

// TypeAccepted applies the content-type gate.
func TypeAccepted(contentType string, accepted []string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if strings.EqualFold(strings.TrimSpace(a), AcceptAll) {
			return true
		}
	}
	tokens := ContentTypeTokens(contentType)
	for _, t := range tokens {
		for _, a := range accepted {
			if strings.EqualFold(strings.TrimSpace(a), t) {
				return true
			}
		}
	}
	return false
}

// Validate applies the status, size and content-type gates. Failures of the
// last two are appended to resp.Errors; the status code is left untouched.
func Validate(resp *FetchResponse, settings Settings) bool {
	if resp.Class() != StatusOK {
		return false
	}
	if TooBig(resp.ContentLength(), settings.MaxBytes) {
		resp.AddError(ErrTextPageTooBig)
		return false
	}
	if !TypeAccepted(resp.ContentType(), settings.AcceptedTypes) {
		resp.AddErrorf("%s: %q", ErrTextUnsupportedType, resp.ContentType())
		return false
	}
	return true
}

// RecognizedContentType names the body format for downstream parsers:
// html, rss, json, xml, text, binary or unknown.
func (r FetchResponse) RecognizedContentType() string {
	tokens := ContentTypeTokens(r.ContentType())
	has := func(t string) bool {
		for _, x := range tokens {
			if x == t {
				return true
			}
		}
		return false
	}
	switch {
	case has("html"):
		return "html"
	case has("rss") || has("atom"):
		return "rss"
	case has("json"):
		return "json"
	}
	head := strings.ToLower(strings.TrimSpace(prefix(r.Text(), 512)))
	switch {
	case strings.Contains(head, "<rss") || strings.Contains(head, "<feed"):
		return "rss"
	case strings.HasPrefix(head, "<!doctype html") || strings.Contains(head, "<html"):
		return "html"
	case strings.HasPrefix(head, "{") || strings.HasPrefix(head, "["):
		return "json"
	case has("xml") || strings.HasPrefix(head, "<?xml"):
		return "xml"
	case has("text"):
		return "text"
	case len(tokens) > 0:
		return "binary"
	}
	return "unknown"
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
