package datasource

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/diskcache"
)

func readTwice(t *testing.T, ds DataSource) {
	t.Helper()
	for i := 0; i < 2; i++ {
		b, err := ReadAll(ds)
		require.NoError(t, err)
		assert.Equal(t, []byte("pixels"), b, "read %d", i)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.bin")
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o600))

	ds := NewFile(path)
	assert.Equal(t, KindFile, ds.Kind())
	assert.Equal(t, core.FromLocal, ds.From())
	assert.Equal(t, int64(6), ds.Length())
	readTwice(t, ds)

	missing := NewFile(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, int64(-1), missing.Length())
	_, err := missing.Open()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBytes(t *testing.T) {
	ds := NewBytes([]byte("pixels"), core.FromMemory)
	assert.Equal(t, KindBytes, ds.Kind())
	assert.Equal(t, core.FromMemory, ds.From())
	readTwice(t, ds)
}

func TestDiskCache(t *testing.T) {
	c, err := diskcache.Open(diskcache.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	ed, err := c.Edit("k")
	require.NoError(t, err)
	w, err := ed.Writer()
	require.NoError(t, err)
	_, err = io.WriteString(w, "pixels")
	require.NoError(t, err)
	require.NoError(t, ed.Commit())

	plain := NewDiskCache(c.Get("k"), core.FromNetwork)
	assert.Equal(t, KindDiskCache, plain.Kind())
	assert.Equal(t, core.FromNetwork, plain.From())
	readTwice(t, plain)

	processed := NewProcessedCache(c.Get("k"))
	assert.Equal(t, KindProcessedCache, processed.Kind())
	assert.Equal(t, core.FromDiskCache, processed.From())
	readTwice(t, processed)
}
