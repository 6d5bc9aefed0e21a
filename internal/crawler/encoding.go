package crawler

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	xmlPrologEncoding = regexp.MustCompile(`(?i)<\?xml[^>]*encoding\s*=\s*["']([^"']+)["']`)
	declaredCharset   = regexp.MustCompile(`(?i)(?:encoding|charset)\s*=\s*["']([^"']+)["']`)
	metaCharset       = regexp.MustCompile(`(?i)charset\s*=\s*([^\s;"']+)`)
)

// ResolveEncoding picks a body encoding. First match wins: the charset
// parameter of contentType, a charset declared by the HTML/RSS document, a
// single utf-8 declaration found by scanning the text, then utf-8.
func ResolveEncoding(contentType string, body []byte) string {
	if enc := headerCharset(contentType); enc != "" {
		return enc
	}
	if enc := documentCharset(body); enc != "" {
		return enc
	}
	if enc := scannedCharset(body); enc != "" {
		return enc
	}
	return DefaultEncoding
}

func headerCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if m := metaCharset.FindStringSubmatch(contentType); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

func documentCharset(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	if m := xmlPrologEncoding.FindSubmatch(head); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	if !bytes.Contains(bytes.ToLower(head), []byte("<meta")) {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if v, ok := doc.Find("meta[charset]").First().Attr("charset"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	var found string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(equiv, "content-type") {
			return true
		}
		content, _ := s.Attr("content")
		found = headerCharset(content)
		return found == ""
	})
	return found
}

func scannedCharset(body []byte) string {
	matches := declaredCharset.FindAllSubmatch(body, 2)
	if len(matches) != 1 {
		return ""
	}
	if enc := strings.ToLower(strings.TrimSpace(string(matches[0][1]))); enc == DefaultEncoding {
		return enc
	}
	return ""
}

func isUTF8(enc string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

// DecodeBytes converts body bytes in enc to a string. Unknown encodings are
// treated as utf-8.
func DecodeBytes(body []byte, enc string) string {
	if isUTF8(enc) {
		return string(body)
	}
	r, err := charset.NewReaderLabel(enc, bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(out)
}

// EncodeText converts text to bytes in enc. Unknown encodings, and
// characters enc cannot represent, fall back to the utf-8 bytes.
func EncodeText(text string, enc string) []byte {
	if isUTF8(enc) {
		return []byte(text)
	}
	e, err := htmlindex.Get(enc)
	if err != nil {
		return []byte(text)
	}
	out, err := e.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return []byte(text)
	}
	return out
}
