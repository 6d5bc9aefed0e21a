package access

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		bl := newBlocklist([]string{"Example.org"})
		require.NotNil(t, bl)
		require.True(t, bl.match("example.org"))
		require.False(t, bl.match("sub.example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		bl := newBlocklist([]string{"*.ru", ".test"})
		cases := map[string]bool{
			"example.ru":    true,
			"sub.domain.ru": true,
			"ru":            true,
			"a.test":        true,
			"example.com":   false,
			"guru":          false,
		}
		for host, want := range cases {
			require.Equal(t, want, bl.match(host), host)
		}
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		bl := newBlocklist([]string{" ", "*."})
		require.Nil(t, bl)
		require.False(t, bl.match("anything"))
	})
}

func TestCheckBlockedDomain(t *testing.T) {
	t.Parallel()

	g := New(Config{BlockedDomains: []string{"*.blocked.example"}}, zap.NewNop())
	err := g.Check(context.Background(), "https://www.blocked.example/page")
	require.ErrorIs(t, err, ErrBlocked)
	require.NoError(t, g.Check(context.Background(), "https://fine.example/page"))
}

func TestCheckRobots(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			_, _ = fmt.Fprintln(w, "User-agent: *\nDisallow: /private")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := New(Config{RespectRobots: true, UserAgent: "broker-test"}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, g.Check(ctx, srv.URL+"/public"))
	require.ErrorIs(t, g.Check(ctx, srv.URL+"/private/page"), ErrDisallowed)
	require.Equal(t, int32(1), robotsHits.Load())
}

func TestCheckRobotsUnreachableAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	g := New(Config{RespectRobots: true}, zap.NewNop())
	require.NoError(t, g.Check(context.Background(), addr+"/page"))
}

func TestNilGuardAllows(t *testing.T) {
	t.Parallel()

	var g *Guard
	require.NoError(t, g.Check(context.Background(), "https://example.com/"))
}
