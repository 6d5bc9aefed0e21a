package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().Add(-time.Second)
	got := clk.Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, before.Add(time.Second), got, 2*time.Second)
	require.False(t, clk.Now().Before(got))
}

func TestAfterFires(t *testing.T) {
	t.Parallel()

	select {
	case <-New().After(10 * time.Millisecond):
	case <-time.After(2 * time.Second):
		t.Fatal("After did not fire")
	}
}
