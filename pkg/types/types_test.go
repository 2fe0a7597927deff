package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFolderValidate(t *testing.T) {
	tests := []struct {
		name   string
		folder Folder
		want   error
	}{
		{"valid", Folder{ID: "f1", Path: "/data/docs"}, nil},
		{"missing id", Folder{Path: "/data/docs"}, ErrMissingFolderID},
		{"missing path", Folder{ID: "f1"}, ErrMissingPath},
		{"relative path", Folder{ID: "f1", Path: "docs"}, ErrPathNotAbsolute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.folder.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "", NormalizePath(""))
	assert.Equal(t, "/", NormalizePath("/"))
	assert.Equal(t, "/data/docs", NormalizePath("/data/docs/"))
	assert.Equal(t, "/data/docs", NormalizePath("/data//docs/./"))
	assert.Equal(t, "/data", NormalizePath("/data/docs/.."))
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/data", "/data", true},
		{"/data", "/data/a.txt", true},
		{"/data/", "/data/sub/a.txt", true},
		{"/data", "/database/a.txt", false},
		{"/data/sub", "/data/subway", false},
		{"/", "/anything", true},
		{"/data/sub", "/data", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsWithin(tt.root, tt.path), "%s in %s", tt.path, tt.root)
	}
}

func TestRecordID(t *testing.T) {
	a := RecordID("f1", "/data/a.txt")
	assert.Equal(t, a, RecordID("f1", "/data/a.txt"), "stable across calls")
	assert.NotEqual(t, a, RecordID("f2", "/data/a.txt"))
	assert.NotEqual(t, a, RecordID("f1", "/data/b.txt"))
	// the separator keeps ("f1", "x/y") and ("f1x", "/y") apart
	assert.NotEqual(t, RecordID("f1", "x/y"), RecordID("f1x", "/y"))
}

func TestRecordValidate(t *testing.T) {
	rec := IndexedFileRecord{ID: RecordID("f1", "/a"), FolderID: "f1", Path: "/a", Size: 3}
	assert.NoError(t, rec.Validate())

	bad := rec
	bad.ID = ""
	assert.ErrorIs(t, bad.Validate(), ErrMissingRecordID)

	bad = rec
	bad.FolderID = ""
	assert.ErrorIs(t, bad.Validate(), ErrMissingFolderID)

	bad = rec
	bad.Path = ""
	assert.ErrorIs(t, bad.Validate(), ErrMissingPath)

	bad = rec
	bad.Size = -1
	assert.ErrorIs(t, bad.Validate(), ErrNegativeSize)
}

func TestTaskTypeString(t *testing.T) {
	assert.Equal(t, "extract", TaskExtract.String())
	assert.Equal(t, "hash", TaskHash.String())
	assert.Equal(t, "unknown", TaskType(42).String())
}
