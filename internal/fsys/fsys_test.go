package fsys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSListEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	entries, err := NewOS().ListEntries(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Name: "a.txt", IsFile: true}, entries[0])
	assert.Equal(t, Entry{Name: "b.txt", IsFile: true}, entries[1])
	assert.Equal(t, Entry{Name: "sub", IsDir: true}, entries[2])
}

func TestOSStatAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	fs := NewOS()
	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.IsDir)
	assert.False(t, info.ModTime.IsZero())

	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOSErrorsWrapNotExist(t *testing.T) {
	fs := NewOS()
	missing := filepath.Join(t.TempDir(), "nope")

	_, err := fs.Stat(missing)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = fs.ListEntries(missing)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = fs.ReadFile(missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMemTree(t *testing.T) {
	fs := NewMem()
	mem := fs.Afero()
	require.NoError(t, mem.MkdirAll("/data/sub", 0o755))
	require.NoError(t, afero.WriteFile(mem, "/data/z.txt", []byte("zulu"), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/data/a.txt", []byte("a"), 0o644))

	entries, err := fs.ListEntries("/data")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "a.txt", IsFile: true},
		{Name: "sub", IsDir: true},
		{Name: "z.txt", IsFile: true},
	}, entries)

	info, err := fs.Stat("/data/z.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)

	info, err = fs.Stat("/data/sub")
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	_, err = fs.ReadFile("/data/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
