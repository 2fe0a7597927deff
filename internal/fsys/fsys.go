// Package fsys defines the narrow filesystem contract the walker, the indexer
// and the watcher read through. It is backed by an afero.Fs so tests can run
// against an in-memory tree.
package fsys

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// Entry is one directory listing entry
type Entry struct {
	Name   string
	IsDir  bool
	IsFile bool
}

// Info is the subset of file metadata the engine needs
type Info struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileSystem is the read side of the filesystem. Change notification lives
// in the watcher package.
type FileSystem interface {
	// ListEntries returns the entries of dir sorted by name
	ListEntries(dir string) ([]Entry, error)
	Stat(path string) (Info, error)
	ReadFile(path string) ([]byte, error)
}

// FS adapts an afero.Fs to FileSystem
type FS struct {
	fs afero.Fs
}

// New wraps fs
func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// NewOS returns the local filesystem
func NewOS() *FS {
	return New(afero.NewOsFs())
}

// NewMem returns an empty in-memory filesystem
func NewMem() *FS {
	return New(afero.NewMemMapFs())
}

// Afero exposes the underlying filesystem for writers such as tests
func (f *FS) Afero() afero.Fs {
	return f.fs
}

// ListEntries implements FileSystem. afero.ReadDir sorts by filename.
func (f *FS) ListEntries(dir string) ([]Entry, error) {
	infos, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:   fi.Name(),
			IsDir:  fi.IsDir(),
			IsFile: fi.Mode().IsRegular(),
		})
	}
	return entries, nil
}

// Stat implements FileSystem
func (f *FS) Stat(path string) (Info, error) {
	fi, err := f.fs.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return Info{Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

// ReadFile implements FileSystem
func (f *FS) ReadFile(path string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
