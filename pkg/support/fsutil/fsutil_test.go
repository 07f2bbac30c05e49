package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	home := must.M1(user.Current()).HomeDir
	require.Equal(t, "", must.M1(ReplaceTildeInDir("")))
	require.Equal(t, "/tmp/x", must.M1(ReplaceTildeInDir("/tmp/x")))
	require.Equal(t, home, must.M1(ReplaceTildeInDir("~")))
	require.Equal(t, path.Join(home, "a/b"), must.M1(ReplaceTildeInDir("~/a/b")))

	_, err := ReplaceTildeInDir("~user-that-does-not-exist-42/x")
	require.Error(t, err)
}

func TestPrepareOutputFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a", "b", "plot.png")
	require.NoDirExists(t, filepath.Dir(filePath))
	require.Equal(t, filePath, must.M1(PrepareOutputFile(filePath)))
	require.DirExists(t, filepath.Dir(filePath))
	require.NoFileExists(t, filePath)

	// Existing directories are fine.
	require.NoError(t, os.WriteFile(filePath, nil, 0o644))
	require.Equal(t, filePath, must.M1(PrepareOutputFile(filePath)))
	require.FileExists(t, filePath)
}
