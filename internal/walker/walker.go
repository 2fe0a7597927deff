// Package walker enumerates the candidate files of a folder.
//
// A walk is lazy: paths are produced as the caller ranges over the sequence,
// depth-first with entries of each directory in lexical order. Ranging over
// the same sequence again re-traverses from scratch. The cancellation token
// is consulted before descending into a directory and before yielding a file;
// once it is cancelled the sequence simply ends.
package walker

import (
	"iter"
	"path/filepath"

	"github.com/dshills/folderindex/internal/cancel"
	"github.com/dshills/folderindex/internal/fsys"
)

// ErrorReporter receives per-entry failures. The entry is skipped and the
// walk continues with its siblings.
type ErrorReporter func(path string, err error)

// Walker walks folders through a FileSystem
type Walker struct {
	fs     fsys.FileSystem
	filter *Filter
	report ErrorReporter
}

// New creates a walker. A nil filter accepts everything and a nil reporter
// discards errors.
func New(fs fsys.FileSystem, filter *Filter, report ErrorReporter) *Walker {
	if filter == nil {
		filter, _ = NewFilter(FilterOptions{IncludeHidden: true})
	}
	if report == nil {
		report = func(string, error) {}
	}
	return &Walker{fs: fs, filter: filter, report: report}
}

// Filter returns the filter applied by the walker
func (w *Walker) Filter() *Filter {
	return w.filter
}

// Walk returns the candidate files under root. token may be nil.
func (w *Walker) Walk(root string, token *cancel.Token) iter.Seq[string] {
	root = filepath.Clean(root)
	return func(yield func(string) bool) {
		w.walkDir(root, root, token, yield)
	}
}

func cancelled(token *cancel.Token) bool {
	return token != nil && token.IsCancelled()
}

// walkDir returns false when the walk must stop
func (w *Walker) walkDir(root, dir string, token *cancel.Token, yield func(string) bool) bool {
	if cancelled(token) {
		return false
	}

	entries, err := w.fs.ListEntries(dir)
	if err != nil {
		w.report(dir, err)
		return true
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name)

		switch {
		case entry.IsDir:
			if w.filter.SkipDir(root, path) {
				continue
			}
			if !w.walkDir(root, path, token, yield) {
				return false
			}

		case entry.IsFile:
			// cheap checks first so excluded files are never stat'ed
			if !w.filter.Accept(root, path, -1) {
				continue
			}
			info, err := w.fs.Stat(path)
			if err != nil {
				w.report(path, err)
				continue
			}
			if !w.filter.Accept(root, path, info.Size) {
				continue
			}
			if cancelled(token) {
				return false
			}
			if !yield(path) {
				return false
			}
		}
	}
	return true
}
