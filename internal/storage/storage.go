// Package storage saves fetched responses to a destination: a local
// directory, a GCS bucket, an in-memory store or a remote facade's /set
// endpoint.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
	"github.com/JakeFAU/crawl-broker/internal/remote"
	"github.com/JakeFAU/crawl-broker/internal/storage/gcs"
	"github.com/JakeFAU/crawl-broker/internal/storage/local"
	"github.com/JakeFAU/crawl-broker/internal/storage/memory"
)

// RecordSuffix names the framed response stored next to each body.
const RecordSuffix = ".resp"

// Saved describes where a response went.
type Saved struct {
	BodyURI   string
	RecordURI string
	BodyHash  string
}

// Destination persists responses.
type Destination interface {
	Save(ctx context.Context, resp crawler.FetchResponse) (Saved, error)
	Close() error
}

// Open resolves dest by scheme: gs://bucket/prefix, memory://, http(s)://
// facade base URL, or a local directory (optionally file://).
func Open(ctx context.Context, dest string, hasher crawler.Hasher) (Destination, error) {
	switch {
	case strings.HasPrefix(dest, "gs://"):
		cfg, err := gcs.ParseURI(dest)
		if err != nil {
			return nil, err
		}
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, cfg)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &BlobDestination{Store: store, Hasher: hasher, closeFn: client.Close}, nil
	case strings.HasPrefix(dest, "memory://"):
		return &BlobDestination{Store: memory.NewBlobStore(), Hasher: hasher}, nil
	case strings.HasPrefix(dest, "http://"), strings.HasPrefix(dest, "https://"):
		return &FacadeDestination{Client: remote.NewClient(dest, nil), Hasher: hasher}, nil
	default:
		store, err := local.New(local.Config{BaseDir: strings.TrimPrefix(dest, "file://")})
		if err != nil {
			return nil, fmt.Errorf("open local destination: %w", err)
		}
		return &BlobDestination{Store: store, Hasher: hasher}, nil
	}
}

// BlobDestination writes the body and the framed response record to a blob
// store under a name derived from the URL.
type BlobDestination struct {
	Store   crawler.BlobStore
	Hasher  crawler.Hasher
	closeFn func() error
}

// Save implements Destination. Body-less responses only get a record.
func (d *BlobDestination) Save(ctx context.Context, resp crawler.FetchResponse) (Saved, error) {
	base := ObjectBase(resp)
	var saved Saved
	if resp.HasBody() {
		body := resp.Binary()
		uri, err := d.Store.PutObject(ctx, base+Extension(resp.ContentType()), resp.ContentType(), bytes.NewReader(body))
		if err != nil {
			return Saved{}, fmt.Errorf("save body: %w", err)
		}
		saved.BodyURI = uri
		saved.BodyHash = hashBody(d.Hasher, resp)
	}
	uri, err := d.Store.PutObject(ctx, base+RecordSuffix, "application/octet-stream", bytes.NewReader(protocol.EncodeResponse(resp)))
	if err != nil {
		return Saved{}, fmt.Errorf("save record: %w", err)
	}
	saved.RecordURI = uri
	return saved, nil
}

// Close releases the underlying client, if any.
func (d *BlobDestination) Close() error {
	if d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// FacadeDestination pushes responses to a remote facade's /set endpoint.
type FacadeDestination struct {
	Client *remote.Client
	Hasher crawler.Hasher
}

// Save implements Destination.
func (d *FacadeDestination) Save(ctx context.Context, resp crawler.FetchResponse) (Saved, error) {
	if err := d.Client.Set(ctx, resp); err != nil {
		return Saved{}, fmt.Errorf("push to facade: %w", err)
	}
	saved := Saved{RecordURI: d.Client.URL(remote.PathSet)}
	saved.BodyHash = hashBody(d.Hasher, resp)
	return saved, nil
}

// Close implements Destination.
func (d *FacadeDestination) Close() error { return nil }

// ObjectBase is the extension-less object name for resp.
func ObjectBase(resp crawler.FetchResponse) string {
	u := resp.URL
	if u == "" {
		u = resp.RequestURL
	}
	return crawler.SafeBasename(u)
}

// Extension picks a file extension for a content type.
func Extension(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return ".html"
	case strings.Contains(ct, "json"):
		return ".json"
	case strings.Contains(ct, "xml"):
		return ".xml"
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	case strings.HasPrefix(ct, "text/"):
		return ".txt"
	default:
		return ".bin"
	}
}

func hashBody(h crawler.Hasher, resp crawler.FetchResponse) string {
	if h == nil {
		return ""
	}
	sum, _ := h.HashBody(resp)
	return sum
}
