package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSection(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"02-b.mp4", "01-a.mp4", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	sec, err := parseSection("Week 1=" + dir + ", extra.mp4")
	require.NoError(t, err)
	assert.Equal(t, "Week 1", sec.Name)
	assert.Equal(t, []string{
		filepath.Join(dir, "01-a.mp4"),
		filepath.Join(dir, "02-b.mp4"),
		"extra.mp4",
	}, sec.Files)

	for _, bad := range []string{"no-equals", "=a.mp4", "Week 2=", "Week 3= , "} {
		_, err := parseSection(bad)
		assert.Error(t, err, bad)
	}
}

func TestOutputTo(t *testing.T) {
	data := map[string]int{"processed": 3}

	var buf bytes.Buffer
	require.NoError(t, outputTo(&buf, outputJSON, data))
	assert.JSONEq(t, `{"processed": 3}`, buf.String())

	buf.Reset()
	require.NoError(t, outputTo(&buf, outputYAML, data))
	assert.Equal(t, "processed: 3\n", buf.String())

	assert.Error(t, outputTo(&buf, "xml", data))
}
