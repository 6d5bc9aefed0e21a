// Package detector recognizes pages that only render with JavaScript, so the
// orchestrator can escalate them to a browser backend.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// DefaultBodyThreshold is the size under which a script-heavy page counts as
// an empty shell.
const DefaultBodyThreshold = 2048

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldPromote reports whether a 200 HTML response looks like a client-side
// rendered shell. Non-HTML bodies and pings are never promoted.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if !resp.HasBody() {
		return false
	}
	if resp.RecognizedContentType() != "html" {
		return false
	}
	body := resp.Binary()
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	if len(body) < 4*h.BodyLengthThreshold {
		for _, marker := range spaMarkers {
			if bytes.Contains(body, marker) {
				return true
			}
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Unterminated tag: the rest is script.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered > 0 && covered*100/total >= 25
}
