// Package watcher subscribes to filesystem changes under registered folders.
//
// Each folder gets its own fsnotify watcher. Directories are added
// recursively up to a maximum depth, and directories created later are added
// as they appear. All subscriptions feed one shared event channel. Sends
// block until the consumer makes room or the subscription is stopped, so
// events are never dropped silently.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/fsys"
	"github.com/dshills/folderindex/pkg/types"
)

// ErrClosed is returned by StartWatching after Close
var ErrClosed = errors.New("watcher closed")

// Config configures a Watcher
type Config struct {
	MaxDepth      int
	IncludeHidden bool
	Buffer        int
}

// ConfigFromSettings extracts the watch settings
func ConfigFromSettings(cfg config.Settings) Config {
	return Config{
		MaxDepth:      cfg.WatchMaxDepth,
		IncludeHidden: cfg.IncludeHidden,
		Buffer:        cfg.EventBuffer,
	}
}

// ErrorReporter receives watch failures
type ErrorReporter func(err error, folderPath, path string)

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger
func WithLogger(log hclog.Logger) Option {
	return func(w *Watcher) {
		if log != nil {
			w.log = log.Named("watcher")
		}
	}
}

// WithFileSystem replaces the filesystem used to stat and list directories
func WithFileSystem(fs fsys.FileSystem) Option {
	return func(w *Watcher) {
		if fs != nil {
			w.fs = fs
		}
	}
}

// WithErrorReporter routes watch failures to report
func WithErrorReporter(report ErrorReporter) Option {
	return func(w *Watcher) {
		if report != nil {
			w.report = report
		}
	}
}

// Watcher owns the per-folder subscriptions
type Watcher struct {
	cfg    Config
	log    hclog.Logger
	report ErrorReporter
	fs     fsys.FileSystem
	events chan types.FileChangeEvent

	mu       sync.Mutex
	subs     map[string]*subscription
	stopping sync.WaitGroup
	closed   bool
}

type subscription struct {
	root   string
	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher with no subscriptions
func New(cfg Config, opts ...Option) *Watcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	w := &Watcher{
		cfg:    cfg,
		log:    hclog.NewNullLogger(),
		report: func(error, string, string) {},
		fs:     fsys.NewOS(),
		events: make(chan types.FileChangeEvent, cfg.Buffer),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events is the union of every subscription's changes. It is closed by Close.
func (w *Watcher) Events() <-chan types.FileChangeEvent {
	return w.events
}

// StartWatching subscribes to folder. A second call for the same path is a
// no-op.
func (w *Watcher) StartWatching(folder types.Folder) error {
	root := types.NormalizePath(folder.Path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if _, ok := w.subs[root]; ok {
		return nil
	}

	info, err := w.fs.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat folder: %w", err)
	}
	if !info.IsDir {
		return fmt.Errorf("not a directory: %s", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		root:   root,
		fsw:    fsw,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := fsw.Add(root); err != nil {
		cancel()
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	w.addTree(sub, root, nil)

	w.subs[root] = sub
	go w.run(sub)

	w.log.Info("started watching", "folder", root, "id", folder.ID)
	return nil
}

// Stop ends the subscription for folderPath. Stopping an unknown or already
// stopped folder is a no-op.
func (w *Watcher) Stop(folderPath string) error {
	root := types.NormalizePath(folderPath)

	w.mu.Lock()
	sub, ok := w.subs[root]
	if ok {
		delete(w.subs, root)
		// Close must not close the event channel under this subscription
		w.stopping.Add(1)
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	defer w.stopping.Done()
	return w.stopSub(sub)
}

func (w *Watcher) stopSub(sub *subscription) error {
	sub.cancel()
	err := sub.fsw.Close()
	<-sub.done
	w.log.Info("stopped watching", "folder", sub.root)
	return err
}

// IsWatching reports whether folderPath has an active subscription
func (w *Watcher) IsWatching(folderPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.subs[types.NormalizePath(folderPath)]
	return ok
}

// Watched returns the watched folder paths, sorted
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.subs))
	for p := range w.subs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close stops every subscription and closes the event channel
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	subs := w.subs
	w.subs = make(map[string]*subscription)
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := w.stopSub(sub); err != nil {
			errs = append(errs, err)
		}
	}
	w.stopping.Wait()
	close(w.events)
	return errors.Join(errs...)
}

func (w *Watcher) hidden(root, path string) bool {
	if w.cfg.IncludeHidden {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

// addTree watches the subdirectories of dir within the depth limit. When
// found is non-nil the files discovered along the way are passed to it.
func (w *Watcher) addTree(sub *subscription, dir string, found func(path string)) {
	entries, err := w.fs.ListEntries(dir)
	if err != nil {
		w.log.Warn("failed to list directory", "path", dir, "error", err)
		w.report(err, sub.root, dir)
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name)
		if w.hidden(sub.root, path) {
			continue
		}
		if !entry.IsDir {
			if found != nil && entry.IsFile {
				found(path)
			}
			continue
		}
		if depth(sub.root, path) > w.cfg.MaxDepth {
			continue
		}
		if err := sub.fsw.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
			w.report(err, sub.root, path)
			continue
		}
		w.addTree(sub, path, found)
	}
}

func (w *Watcher) run(sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-sub.ctx.Done():
			return

		case event, ok := <-sub.fsw.Events:
			if !ok {
				return
			}
			w.handle(sub, event)

		case err, ok := <-sub.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "folder", sub.root, "error", err)
			w.report(err, sub.root, "")
		}
	}
}

func (w *Watcher) handle(sub *subscription, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if path == sub.root || w.hidden(sub.root, path) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := w.fs.Stat(path)
		if err != nil {
			// gone again before we looked
			return
		}
		if info.IsDir {
			if depth(sub.root, path) > w.cfg.MaxDepth {
				return
			}
			if err := sub.fsw.Add(path); err != nil {
				w.log.Warn("failed to watch new directory", "path", path, "error", err)
				w.report(err, sub.root, path)
				return
			}
			// files may have landed before the watch was in place
			w.addTree(sub, path, func(p string) { w.emit(sub, p, types.ChangeAdded) })
			return
		}
		w.emit(sub, path, types.ChangeAdded)

	case event.Has(fsnotify.Write):
		w.emit(sub, path, types.ChangeModified)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.emit(sub, path, types.ChangeRemoved)
	}
}

func (w *Watcher) emit(sub *subscription, path string, typ types.ChangeType) {
	ev := types.FileChangeEvent{Path: path, Type: typ, Timestamp: time.Now()}
	select {
	case w.events <- ev:
	case <-sub.ctx.Done():
	}
}

// watchedDirs lists the directories a subscription covers
func (w *Watcher) watchedDirs(folderPath string) []string {
	w.mu.Lock()
	sub, ok := w.subs[types.NormalizePath(folderPath)]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	dirs := sub.fsw.WatchList()
	sort.Strings(dirs)
	return dirs
}
