package walker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dshills/folderindex/internal/config"
)

// FilterOptions configures a Filter
type FilterOptions struct {
	// Extensions is the allow-list; empty means every extension
	Extensions      []string
	MaxFileSize     int64
	IncludeHidden   bool
	ExcludePatterns []string
}

// Filter decides which directories are descended and which files are
// yielded. It is shared by the full walk and the change path.
type Filter struct {
	extensions    map[string]bool
	maxFileSize   int64
	includeHidden bool
	patterns      *patternCache
}

// patternCache splits exclude globs into fast lookups and a slow list
type patternCache struct {
	dirExcludes  map[string]bool
	extExcludes  map[string]bool
	nameExcludes map[string]bool
	globExcludes []string
}

// NewFilter validates the patterns and builds a filter
func NewFilter(opts FilterOptions) (*Filter, error) {
	cache, err := buildPatternCache(opts.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to build pattern cache: %w", err)
	}

	f := &Filter{
		maxFileSize:   opts.MaxFileSize,
		includeHidden: opts.IncludeHidden,
		patterns:      cache,
	}
	if len(opts.Extensions) > 0 {
		f.extensions = make(map[string]bool, len(opts.Extensions))
		for _, ext := range opts.Extensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			f.extensions[ext] = true
		}
	}
	return f, nil
}

// FilterFromSettings builds the filter described by the exclusion settings
func FilterFromSettings(cfg config.Settings) (*Filter, error) {
	return NewFilter(FilterOptions{
		Extensions:      cfg.Extensions,
		MaxFileSize:     cfg.MaxFileSize,
		IncludeHidden:   cfg.IncludeHidden,
		ExcludePatterns: cfg.ExcludePatterns,
	})
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	normalized := filepath.ToSlash(pattern)
	if _, err := filepath.Match(normalized, "test/path/file.txt"); err != nil {
		return fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
	}
	if strings.Contains(pattern, "**") && !strings.HasPrefix(normalized, "**/") {
		return fmt.Errorf("pattern '%s': '**' is only supported at the beginning (e.g., '**/dir/**')", pattern)
	}
	return nil
}

func buildPatternCache(excludes []string) (*patternCache, error) {
	cache := &patternCache{
		dirExcludes:  make(map[string]bool),
		extExcludes:  make(map[string]bool),
		nameExcludes: make(map[string]bool),
	}

	for _, pattern := range excludes {
		if err := validatePattern(pattern); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
		normalized := filepath.ToSlash(pattern)

		switch {
		case strings.HasPrefix(normalized, "**/") && strings.HasSuffix(normalized, "/**"):
			cache.dirExcludes[strings.Trim(normalized, "*/")] = true
		case strings.HasPrefix(normalized, "*.") && !strings.ContainsAny(normalized[2:], "*?[."):
			cache.extExcludes[strings.ToLower(strings.TrimPrefix(normalized, "*"))] = true
		case !strings.ContainsAny(normalized, "*?[/"):
			cache.nameExcludes[normalized] = true
		default:
			cache.globExcludes = append(cache.globExcludes, normalized)
		}
	}
	return cache, nil
}

func relative(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func isHidden(name string) bool {
	return len(name) > 1 && strings.HasPrefix(name, ".") && name != ".."
}

func (f *Filter) excluded(rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")

	for _, part := range parts {
		if !f.includeHidden && isHidden(part) {
			return true
		}
		if f.patterns.dirExcludes[part] || f.patterns.nameExcludes[part] {
			return true
		}
	}

	if !isDir {
		if ext := strings.ToLower(filepath.Ext(rel)); ext != "" && f.patterns.extExcludes[ext] {
			return true
		}
	}

	base := parts[len(parts)-1]
	for _, pattern := range f.patterns.globExcludes {
		if matched, err := filepath.Match(pattern, rel); err == nil && matched {
			return true
		}
		simple := strings.TrimPrefix(pattern, "**/")
		if strings.Contains(simple, "/") {
			continue
		}
		if matched, err := filepath.Match(simple, base); err == nil && matched {
			return true
		}
	}
	return false
}

// SkipDir reports whether the walk should not descend into dir
func (f *Filter) SkipDir(root, dir string) bool {
	return f.excluded(relative(root, dir), true)
}

// Accept reports whether a file under root should be indexed. size < 0
// skips the size ceiling, for callers that have not stat'ed the file.
func (f *Filter) Accept(root, path string, size int64) bool {
	rel := relative(root, path)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return false
	}
	if f.excluded(rel, false) {
		return false
	}
	if f.extensions != nil && !f.extensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	if f.maxFileSize > 0 && size > f.maxFileSize {
		return false
	}
	return true
}
