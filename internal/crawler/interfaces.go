package crawler

import (
	"context"
	"io"
	"time"
)

// Backend is one fetch strategy. Run never returns a raw library error:
// failures come back as a terminal response with a synthetic status code.
type Backend interface {
	// Name identifies the backend in logs and crawler metadata.
	Name() string
	// Configure applies settings before the first Run.
	Configure(settings Settings) error
	// Run fetches request.URL.
	Run(ctx context.Context, request FetchRequest) FetchResponse
	// IsResponseValid applies the shared gates plus backend-specific ones.
	IsResponseValid(resp *FetchResponse) bool
	// Close releases processes, temp directories and connections.
	Close() error
}

// Fetcher is the single call collaborators depend on.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest, options FetchOptions) FetchResponse
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher digests response bodies for change detection.
type Hasher interface {
	HashBody(resp FetchResponse) (digest string, ok bool)
}

// Clock abstracts time for reaping and cache expiry.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
