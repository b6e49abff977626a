package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/course-importer/internal/jobs"
)

// mp4Header is the start of an ISO base media file with an "isom" brand.
var mp4Header = append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00}, make([]byte, 64)...)

func newTestLocal(t *testing.T, opts ...Option) *Local {
	t.Helper()
	root := t.TempDir()
	l, err := NewLocal(filepath.Join(root, "tmp"), filepath.Join(root, "videos"), opts...)
	require.NoError(t, err)
	return l
}

func TestLocal_SaveUploadGeneratesUniqueNames(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)

	first, err := l.SaveUpload(1, "a.mp4", bytes.NewReader(mp4Header))
	require.NoError(t, err)
	second, err := l.SaveUpload(1, "a.mp4", bytes.NewReader(mp4Header))
	require.NoError(t, err)

	assert.Equal(t, "a.mp4", first)
	assert.Equal(t, "a_1.mp4", second)
	assert.True(t, l.TempExists(1, first))
	assert.True(t, l.TempExists(1, second))

	data, err := os.ReadFile(filepath.Join(l.JobDir(1), second))
	require.NoError(t, err)
	assert.Equal(t, mp4Header, data)
}

func TestLocal_SaveUploadRejectsNonVideoContent(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)

	_, err := l.SaveUpload(1, "notes.mp4", strings.NewReader("just some text, not a video"))
	require.ErrorIs(t, err, jobs.ErrUnsupportedContent)
	assert.False(t, l.TempExists(1, "notes.mp4"))

	// unidentifiable binary passes
	_, err = l.SaveUpload(1, "raw.mkv", bytes.NewReader([]byte{0x13, 0x37, 0x00, 0x42, 0x99, 0x00, 0x7f}))
	require.NoError(t, err)
}

func TestLocal_SaveUploadWithoutSniffing(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t, WithSniffing(false))

	name, err := l.SaveUpload(2, "a.mp4", strings.NewReader("plain text"))
	require.NoError(t, err)
	assert.True(t, l.TempExists(2, name))
}

func TestLocal_SaveUploadEnforcesSize(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t, WithMaxBytes(int64(len(mp4Header)-1)))

	_, err := l.SaveUpload(3, "a.mp4", bytes.NewReader(mp4Header))
	require.ErrorIs(t, err, jobs.ErrUploadTooLarge)
	entries, err := os.ReadDir(l.JobDir(3))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocal_MoveToCourse(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)

	require.NoError(t, os.MkdirAll(l.CourseDir(7), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.CourseDir(7), "a.mp4"), []byte("existing"), 0o644))

	stored, err := l.SaveUpload(1, "a.mp4", bytes.NewReader(mp4Header))
	require.NoError(t, err)

	final, err := l.MoveToCourse(1, stored, 7)
	require.NoError(t, err)
	assert.Equal(t, "a_1.mp4", final)
	assert.False(t, l.TempExists(1, stored))

	data, err := os.ReadFile(filepath.Join(l.CourseDir(7), final))
	require.NoError(t, err)
	assert.Equal(t, mp4Header, data)

	_, err = l.MoveToCourse(1, stored, 7)
	require.Error(t, err)
}

func TestLocal_RemoveJobDirAndStaleDirs(t *testing.T) {
	t.Parallel()
	l := newTestLocal(t)

	require.NoError(t, l.EnsureJobDir(4))
	require.NoError(t, l.EnsureJobDir(5))
	require.NoError(t, os.MkdirAll(filepath.Join(l.tmpDir, "not-a-job"), 0o755))
	past := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{l.JobDir(4), filepath.Join(l.tmpDir, "not-a-job")} {
		require.NoError(t, os.Chtimes(dir, past, past))
	}

	ids, err := l.StaleJobDirs(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids)

	require.NoError(t, l.RemoveJobDir(4))
	require.NoError(t, l.RemoveJobDir(4))
	_, err = os.Stat(l.JobDir(4))
	assert.True(t, os.IsNotExist(err))
}
