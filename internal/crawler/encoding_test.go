package crawler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveEncodingFromHeader(t *testing.T) {
	t.Parallel()

	got := ResolveEncoding("text/html; charset=ISO-8859-1", []byte(`<meta charset="utf-8">`))
	require.Equal(t, "ISO-8859-1", got)
}

func TestResolveEncodingFromDocument(t *testing.T) {
	t.Parallel()

	html := []byte(`<html><head><meta http-equiv="Content-Type" content="text/html; charset=windows-1252"></head></html>`)
	require.Equal(t, "windows-1252", ResolveEncoding("text/html", html))

	feed := []byte(`<?xml version="1.0" encoding="ISO-8859-2"?><rss></rss>`)
	require.Equal(t, "ISO-8859-2", ResolveEncoding("", feed))
}

func TestResolveEncodingFromSingleDeclaration(t *testing.T) {
	t.Parallel()

	body := []byte(`<script>var cfg = {charset="utf-8"};</script>`)
	require.Equal(t, "utf-8", ResolveEncoding("text/html", body))
}

func TestResolveEncodingDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultEncoding, ResolveEncoding("", []byte("plain body")))
	require.Equal(t, DefaultEncoding, ResolveEncoding("text/plain", nil))
}

func TestTextDerivedFromBinary(t *testing.T) {
	t.Parallel()

	resp := NewResponse("https://example.com", http.StatusOK)
	resp.Headers.Set("Content-Type", "text/html; charset=ISO-8859-1")
	resp.SetBinary([]byte{'c', 'a', 'f', 0xe9})

	require.Equal(t, "ISO-8859-1", resp.Encoding())
	require.Equal(t, "café", resp.Text())
}

func TestBinaryDerivedFromText(t *testing.T) {
	t.Parallel()

	resp := NewResponse("https://example.com", http.StatusOK)
	resp.SetEncoding("ISO-8859-1")
	resp.SetText("café")

	require.Equal(t, []byte{'c', 'a', 'f', 0xe9}, resp.Binary())
}

func TestEncodingNeverEmpty(t *testing.T) {
	t.Parallel()

	resp := NewResponse("https://example.com", StatusTimeout)
	require.Equal(t, DefaultEncoding, resp.Encoding())
	require.Empty(t, resp.Text())
	require.Nil(t, resp.Binary())
}
