package walker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/folderindex/internal/config"
)

func TestFilterAccept(t *testing.T) {
	filter, err := NewFilter(FilterOptions{
		ExcludePatterns: []string{"**/build/**", "*.log", "secrets.txt", "*.test.go", "docs/*.tmp"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"/w/main.go", true},
		{"/w/build/out.bin", false},
		{"/w/a/build/out.bin", false},
		{"/w/app.log", false},
		{"/w/deep/app.LOG", false},
		{"/w/secrets.txt", false},
		{"/w/x/secrets.txt", false},
		{"/w/pkg/foo.test.go", false},
		{"/w/pkg/foo.go", true},
		{"/w/docs/a.tmp", false},
		{"/w/other/a.tmp", true},
		{"/w/.cache/file", false},
		{"/w/.gitignore", false},
		{"/elsewhere/file.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, filter.Accept("/w", tt.path, 1), tt.path)
	}
}

func TestFilterHiddenPolicy(t *testing.T) {
	filter, err := NewFilter(FilterOptions{IncludeHidden: true})
	require.NoError(t, err)
	assert.True(t, filter.Accept("/w", "/w/.config/app.yaml", 1))
	assert.False(t, filter.SkipDir("/w", "/w/.config"))

	filter, err = NewFilter(FilterOptions{})
	require.NoError(t, err)
	assert.False(t, filter.Accept("/w", "/w/.config/app.yaml", 1))
	assert.True(t, filter.SkipDir("/w", "/w/.config"))
	// the root itself is never hidden
	assert.True(t, filter.Accept("/w/.dotroot", "/w/.dotroot/a.txt", 1))
}

func TestFilterSizeCeiling(t *testing.T) {
	filter, err := NewFilter(FilterOptions{MaxFileSize: 100})
	require.NoError(t, err)
	assert.True(t, filter.Accept("/w", "/w/a", 100))
	assert.False(t, filter.Accept("/w", "/w/a", 101))
	assert.True(t, filter.Accept("/w", "/w/a", -1))
}

func TestFilterInvalidPattern(t *testing.T) {
	_, err := NewFilter(FilterOptions{ExcludePatterns: []string{"[abc"}})
	assert.Error(t, err)

	_, err = NewFilter(FilterOptions{ExcludePatterns: []string{"src/**"}})
	assert.Error(t, err)

	_, err = NewFilter(FilterOptions{ExcludePatterns: []string{""}})
	assert.Error(t, err)
}

func TestFilterFromSettings(t *testing.T) {
	cfg := config.Default()
	filter, err := FilterFromSettings(cfg)
	require.NoError(t, err)
	assert.False(t, filter.Accept("/w", "/w/node_modules/x.js", 1))
	assert.False(t, filter.Accept("/w", "/w/a.swp", 1))
	assert.True(t, filter.Accept("/w", "/w/a.md", 1))
}
