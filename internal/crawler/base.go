package crawler

import "time"

// Base carries settings and the default validation shared by backends.
// Concrete backends embed it.
type Base struct {
	settings Settings
}

// Configure stores settings.
func (b *Base) Configure(settings Settings) error {
	b.settings = settings
	return nil
}

// Settings returns the configured settings.
func (b *Base) Settings() Settings {
	return b.settings
}

// IsResponseValid applies Validate with the configured settings.
func (b *Base) IsResponseValid(resp *FetchResponse) bool {
	return Validate(resp, b.settings)
}

// Timeout picks the request timeout, capped by the settings timeout if set.
func (b *Base) Timeout(request FetchRequest) time.Duration {
	t := request.TimeoutDuration()
	if b.settings.Timeout > 0 && b.settings.Timeout < t {
		return b.settings.Timeout
	}
	return t
}

// UserAgent picks the request user agent, falling back to settings.
func (b *Base) UserAgent(request FetchRequest) string {
	if request.UserAgent != "" {
		return request.UserAgent
	}
	return b.settings.UserAgent
}

// Finish stamps the request URL, backend name and crawl time.
func Finish(resp FetchResponse, request FetchRequest, backend string, start time.Time) FetchResponse {
	resp.RequestURL = request.URL
	if resp.URL == "" {
		resp.URL = request.URL
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string][]string)
	}
	resp.SetCrawlerData("crawler", backend)
	resp.CrawlTime = time.Since(start)
	return resp
}
