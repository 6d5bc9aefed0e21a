package crawler

import (
	"crypto/sha1" //nolint:gosec // used for file names, not security
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// CoalesceKey is the key under which concurrent fetches of one URL merge.
func CoalesceKey(rawURL string) string {
	if n, err := NormalizeURL(rawURL); err == nil {
		return n
	}
	return rawURL
}

// SafeBasename turns a URL into a file name.
func SafeBasename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return hashURL(raw)
	}
	host := invalidFilenameChars.ReplaceAllString(u.Hostname(), "_")
	p := invalidFilenameChars.ReplaceAllString(strings.Trim(u.EscapedPath(), "/"), "_")
	if p == "" {
		p = "index"
	}
	if len(p) > 80 {
		p = p[:80]
	}
	return fmt.Sprintf("%s_%s_%s", host, p, hashURL(raw)[:8])
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}
