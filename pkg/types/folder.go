package types

import (
	"path/filepath"
	"strings"
)

// Folder represents a user-registered root directory
type Folder struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	DisplayName string `json:"displayName"`
	Watched     bool   `json:"watched"`
}

// Validate checks that the folder is usable
func (f *Folder) Validate() error {
	if f.ID == "" {
		return ErrMissingFolderID
	}
	if f.Path == "" {
		return ErrMissingPath
	}
	if !filepath.IsAbs(f.Path) {
		return ErrPathNotAbsolute
	}
	return nil
}

// NormalizePath cleans a folder path so it can be compared by prefix.
func NormalizePath(p string) string {
	if p == "" {
		return p
	}
	cleaned := filepath.Clean(p)
	if len(cleaned) > 1 {
		cleaned = strings.TrimRight(cleaned, string(filepath.Separator))
		if cleaned == "" {
			cleaned = string(filepath.Separator)
		}
	}
	return cleaned
}

// IsWithin reports whether path equals root or lies beneath it. Matching is
// done on whole path segments, so /a/b is not within /a/bc.
func IsWithin(root, path string) bool {
	root = NormalizePath(root)
	path = NormalizePath(path)
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
