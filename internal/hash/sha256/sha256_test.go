package sha256

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", New().Hash([]byte("hello world")))
}

func TestHashBodyMatchesSavedBytes(t *testing.T) {
	t.Parallel()

	h := New()
	resp := crawler.NewResponse("https://example.com/", http.StatusOK)
	resp.Headers.Set("Content-Type", "text/html; charset=iso-8859-1")
	resp.SetText("café")

	digest, ok := h.HashBody(resp)
	require.True(t, ok)
	require.Equal(t, h.Hash(resp.Binary()), digest)
	require.NotEqual(t, h.Hash([]byte("café")), digest)
}

func TestHashBodyWithoutBody(t *testing.T) {
	t.Parallel()

	_, ok := New().HashBody(crawler.NewResponse("https://example.com/", http.StatusOK))
	require.False(t, ok)
}
