package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, dir, name string, age time.Duration, now time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0600))
	mod := now.Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	old := writeAged(t, dir, "old.webm", 48*time.Hour, now)
	fresh := writeAged(t, dir, "fresh.mp3", time.Hour, now)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0750))

	j := New(dir, 24*time.Hour, WithClock(func() time.Time { return now }))
	n, err := j.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.DirExists(t, filepath.Join(dir, "nested"))
}

func TestPurge_MissingDirectory(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "absent"), time.Hour)
	n, err := j.Purge()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "old.wav", 2*time.Hour, time.Now())

	j := New(dir, time.Hour)
	require.NoError(t, j.Start("@every 1s"))
	t.Cleanup(func() { j.Stop(context.Background()) })

	assert.Error(t, j.Start("@every 1s"))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(t.TempDir(), time.Hour)
	assert.Error(t, j.Start("not a schedule"))

	// A failed start leaves the janitor usable.
	require.NoError(t, j.Start("@every 1h"))
	j.Stop(context.Background())
	j.Stop(context.Background())
}
