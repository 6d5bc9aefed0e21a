package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	got, ok := store.Get("path/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, _ := store.Get("path/page.html")
	require.Equal(t, "content", string(again))
	require.Equal(t, []string{"path/page.html"}, store.Paths())

	_, ok = store.Get("missing")
	require.False(t, ok)
}
