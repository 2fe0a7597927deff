// Package changes turns the raw watcher stream into per-folder batches.
//
// Every event is resolved to the registered folder with the longest path
// prefix that contains it. Resolutions are cached per parent directory, so a
// burst of events in one directory costs one scan. Buffered events are
// flushed to the Applier on a fixed tick; a failing folder does not hold up
// the others.
package changes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/pkg/types"
)

// OrphanMessage is recorded for events outside every registered folder
const OrphanMessage = "orphaned change event"

const defaultCacheSize = 4096

// Applier receives one folder's batch of changes
type Applier interface {
	ApplyChangeBatch(ctx context.Context, folderID string, changes []types.FileChangeEvent) error
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithLogger sets the logger
func WithLogger(log hclog.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log.Named("changes")
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithCacheSize bounds the resolution cache
func WithCacheSize(n int) Option {
	return func(a *Aggregator) { a.cacheSize = n }
}

// Aggregator buffers change events per owning folder
type Aggregator struct {
	applier   Applier
	errors    *classify.Aggregator
	interval  time.Duration
	log       hclog.Logger
	metrics   *metrics.Metrics
	cacheSize int

	mu      sync.Mutex
	folders map[string]string // id -> path
	roots   map[string]string // path -> id
	buffers map[string][]types.FileChangeEvent
	cache   *lru.Cache[string, string]
}

// New creates an aggregator that flushes to applier every interval
func New(applier Applier, errs *classify.Aggregator, interval time.Duration, opts ...Option) *Aggregator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a := &Aggregator{
		applier:   applier,
		errors:    errs,
		interval:  interval,
		log:       hclog.NewNullLogger(),
		cacheSize: defaultCacheSize,
		folders:   make(map[string]string),
		roots:     make(map[string]string),
		buffers:   make(map[string][]types.FileChangeEvent),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.errors == nil {
		a.errors = classify.NewAggregator(a.log, a.metrics)
	}

	cache, err := lru.New[string, string](a.cacheSize)
	if err != nil {
		// only fails for a non-positive size
		cache, _ = lru.New[string, string](defaultCacheSize)
	}
	a.cache = cache
	return a
}

// Register adds folder to the known set
func (a *Aggregator) Register(folder types.Folder) {
	root := types.NormalizePath(folder.Path)

	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.folders[folder.ID]; ok {
		delete(a.roots, old)
	}
	a.folders[folder.ID] = root
	a.roots[root] = folder.ID
	a.cache.Purge()
}

// Unregister drops a folder and any events buffered for it
func (a *Aggregator) Unregister(folderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if root, ok := a.folders[folderID]; ok {
		delete(a.roots, root)
	}
	delete(a.folders, folderID)
	delete(a.buffers, folderID)
	a.cache.Purge()
}

// Resolve returns the owning folder of path
func (a *Aggregator) Resolve(path string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveLocked(types.NormalizePath(path))
}

func (a *Aggregator) resolveLocked(path string) (string, bool) {
	if id, ok := a.roots[path]; ok {
		return id, true
	}

	dir := filepath.Dir(path)
	if id, ok := a.cache.Get(dir); ok {
		if _, live := a.folders[id]; live {
			return id, true
		}
	}

	bestID, bestRoot := "", ""
	for id, root := range a.folders {
		if len(root) > len(bestRoot) && types.IsWithin(root, path) {
			bestID, bestRoot = id, root
		}
	}
	if bestID == "" {
		return "", false
	}
	// siblings in dir share the owner only if dir itself is inside it
	if types.IsWithin(bestRoot, dir) {
		a.cache.Add(dir, bestID)
	}
	return bestID, true
}

// Add buffers ev under its owning folder. An event outside every folder is
// recorded as an orphan error and dropped.
func (a *Aggregator) Add(ev types.FileChangeEvent) bool {
	a.metrics.ChangeEvent(ev.Type)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	a.mu.Lock()
	id, ok := a.resolveLocked(types.NormalizePath(ev.Path))
	if ok {
		ev.FolderID = id
		a.buffers[id] = append(a.buffers[id], ev)
	}
	a.mu.Unlock()

	if !ok {
		a.log.Warn("dropping change outside registered folders", "path", ev.Path, "type", ev.Type)
		a.errors.Record(types.ErrorRecord{
			Timestamp: ev.Timestamp,
			FilePath:  ev.Path,
			Message:   OrphanMessage,
			Type:      types.ErrorUnknown,
			Severity:  classify.SeverityOf(types.ErrorUnknown),
		})
	}
	return ok
}

// Pending returns the number of buffered events for folderID
func (a *Aggregator) Pending(folderID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[folderID])
}

// Flush hands every non-empty buffer to the applier. Failures are recorded
// per folder and joined into the returned error.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	batches := a.buffers
	a.buffers = make(map[string][]types.FileChangeEvent)
	paths := make(map[string]string, len(batches))
	for id := range batches {
		paths[id] = a.folders[id]
	}
	a.mu.Unlock()

	ids := make([]string, 0, len(batches))
	for id, batch := range batches {
		if len(batch) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		batch := batches[id]
		a.log.Debug("flushing changes", "folder", paths[id], "events", len(batch))
		if err := a.applier.ApplyChangeBatch(ctx, id, batch); err != nil {
			a.errors.Report(err, paths[id], "")
			errs = append(errs, fmt.Errorf("folder %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Run consumes events until ctx ends or the channel closes, flushing every
// interval and once more on the way out.
func (a *Aggregator) Run(ctx context.Context, events <-chan types.FileChangeEvent) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = a.Flush(context.WithoutCancel(ctx))
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				_ = a.Flush(ctx)
				return nil
			}
			a.Add(ev)

		case <-ticker.C:
			// failures are already recorded per folder
			_ = a.Flush(ctx)
		}
	}
}
