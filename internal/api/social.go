package api

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-broker/internal/remote"
)

// applySocial fills title, description, thumbnail, language and the
// og:/twitter: meta properties from an HTML body.
func applySocial(props *remote.Properties, html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	social := map[string]string{}
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		key, _ := sel.Attr("property")
		if key == "" {
			key, _ = sel.Attr("name")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		content := strings.TrimSpace(sel.AttrOr("content", ""))
		if key == "" || content == "" {
			return
		}
		if strings.HasPrefix(key, "og:") || strings.HasPrefix(key, "twitter:") {
			if _, seen := social[key]; !seen {
				social[key] = content
			}
		}
		if key == "description" && props.Description == "" {
			props.Description = content
		}
	})

	props.Title = firstNonEmpty(social["og:title"], social["twitter:title"], strings.TrimSpace(doc.Find("title").First().Text()))
	props.Description = firstNonEmpty(props.Description, social["og:description"], social["twitter:description"])
	props.Thumbnail = firstNonEmpty(social["og:image"], social["twitter:image"])
	props.Language = firstNonEmpty(strings.TrimSpace(doc.Find("html").AttrOr("lang", "")), social["og:locale"])
	if len(social) > 0 {
		props.SocialProviders = social
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
