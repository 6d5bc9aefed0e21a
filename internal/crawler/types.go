package crawler

import (
	"net/http"
	"time"
)

// Mode selects one of the promotion registry's ordered candidate lists.
type Mode string

// Supported fetch modes.
const (
	ModeStandard Mode = "standard"
	ModeHeadless Mode = "headless"
	ModeFull     Mode = "full"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeStandard, ModeHeadless, ModeFull:
		return true
	default:
		return false
	}
}

// DefaultTimeout applies when a request carries no timeout of its own.
const DefaultTimeout = 20 * time.Second

// FetchRequest captures everything needed to fetch a URL. Backends receive it
// by value and must not mutate shared fields such as Headers.
type FetchRequest struct {
	URL string
	// Timeout bounds one crawl, in seconds.
	Timeout   int
	Ping      bool
	SSLVerify bool
	Headers   http.Header
	UserAgent string
}

// NewFetchRequest returns a request with TLS verification enabled and the
// default timeout.
func NewFetchRequest(url string) FetchRequest {
	return FetchRequest{
		URL:       url,
		Timeout:   int(DefaultTimeout / time.Second),
		SSLVerify: true,
		Headers:   http.Header{},
	}
}

// TimeoutDuration converts the timeout to a duration, falling back to
// DefaultTimeout when unset.
func (r FetchRequest) TimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(r.Timeout) * time.Second
}

// Clone returns a copy whose header map can be modified independently.
func (r FetchRequest) Clone() FetchRequest {
	out := r
	out.Headers = r.Headers.Clone()
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	return out
}

// FetchOptions are caller preferences for one fetch.
type FetchOptions struct {
	Ping        bool `json:"ping" mapstructure:"ping"`
	SSLVerify   bool `json:"ssl_verify" mapstructure:"ssl_verify"`
	UseFallback bool `json:"use_fallback" mapstructure:"use_fallback"`
	Mode        Mode `json:"mode" mapstructure:"mode"`
}

// DefaultOptions returns the options used when the caller has no preference.
func DefaultOptions() FetchOptions {
	return FetchOptions{
		SSLVerify:   true,
		UseFallback: true,
		Mode:        ModeStandard,
	}
}

// Apply copies the option flags onto a request.
func (o FetchOptions) Apply(req FetchRequest) FetchRequest {
	out := req.Clone()
	out.Ping = o.Ping || req.Ping
	out.SSLVerify = o.SSLVerify
	return out
}

// Settings configure a backend. Unused fields are ignored by backends that
// have no use for them.
type Settings struct {
	Executable    string        `mapstructure:"executable"`
	Script        string        `mapstructure:"script"`
	RemoteServer  string        `mapstructure:"remote_server"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	AcceptedTypes []string      `mapstructure:"accepted_types"`
	UserAgent     string        `mapstructure:"user_agent"`
	Headless      bool          `mapstructure:"headless"`
	Timeout       time.Duration `mapstructure:"timeout"`
	OutputDir     string        `mapstructure:"output_dir"`
}

// CrawlerDescriptor names a backend implementation plus its settings.
type CrawlerDescriptor struct {
	// Name identifies the descriptor inside a promotion list.
	Name string `mapstructure:"name"`
	// Backend is the capability registry key used to construct it.
	Backend  string   `mapstructure:"backend"`
	Settings Settings `mapstructure:"settings"`
}

// BackendName returns Backend, defaulting to Name.
func (d CrawlerDescriptor) BackendName() string {
	if d.Backend != "" {
		return d.Backend
	}
	return d.Name
}
