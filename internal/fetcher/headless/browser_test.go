package headless

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestFindBrowserConfiguredPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exe := writeExecutable(t, dir, "my-chrome")
	path, ok := FindBrowser(exe)
	require.True(t, ok)
	require.Equal(t, exe, path)

	_, ok = FindBrowser(filepath.Join(dir, "missing-chrome"))
	require.False(t, ok)
}

func TestFindBrowserSearchesPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir)

	_, ok := FindBrowser("")
	require.False(t, ok)

	exe := writeExecutable(t, dir, "chromium")
	path, ok := FindBrowser("")
	require.True(t, ok)
	require.Equal(t, exe, path)
}
