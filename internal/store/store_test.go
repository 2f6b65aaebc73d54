package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	n := NamesFor(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
	assert.Equal(t, "IMG_20240309_140507.jpg", n.Reference())
	assert.Equal(t, "IMG_20240309_140507_1.jpg", n.Frame(0))
	assert.Equal(t, "IMG_20240309_140507_3.jpg", n.Frame(2))
	assert.Equal(t, "HDR_20240309_140507.jpg", n.Merged())
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "photos")
	s, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	path, err := s.Write("IMG_1.jpg", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "IMG_1.jpg"), path)

	// Overwrite replaces the whole file.
	_, err = s.Write("IMG_1.jpg", []byte("2"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWrite_StaysInDir(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	path, err := s.Write("../escape.jpg", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.jpg"), path)
}
