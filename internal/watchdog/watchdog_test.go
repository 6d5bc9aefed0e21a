package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReturnsValue(t *testing.T) {
	t.Parallel()

	v, err := Run(context.Background(), time.Second, func() int { return 42 })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestRunAbandonsSlowCall(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Run(context.Background(), 50*time.Millisecond, func() string {
		<-release
		return "late"
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimeout))
	require.Less(t, time.Since(start), time.Second)
}

func TestRunHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, time.Minute, func() int {
		time.Sleep(100 * time.Millisecond)
		return 1
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), time.Second, func() int {
		panic("boom")
	})
	require.ErrorIs(t, err, ErrPanic)
	require.Contains(t, err.Error(), "boom")
}
