// Package workspace composes the engine into the command surface a host
// drives: folder registration, indexing, watching, maintenance and error
// queries.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/go-homedir"

	"github.com/dshills/folderindex/internal/changes"
	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/fsys"
	"github.com/dshills/folderindex/internal/indexer"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/internal/persist"
	"github.com/dshills/folderindex/internal/progress"
	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/internal/walker"
	"github.com/dshills/folderindex/internal/watcher"
	"github.com/dshills/folderindex/internal/workerpool"
	"github.com/dshills/folderindex/pkg/types"
)

var (
	// ErrNotDirectory is returned when adding a path that is not a directory
	ErrNotDirectory = errors.New("path is not a directory")
	// ErrClosed is returned by commands issued after Close
	ErrClosed = errors.New("workspace closed")
)

// Option configures Open
type Option func(*options)

type options struct {
	log     hclog.Logger
	metrics *metrics.Metrics
	store   storage.Storage
	fs      fsys.FileSystem
	sampler workerpool.MemorySampler
}

// WithLogger sets the root logger
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics attaches instrumentation to every component
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore uses an already open store instead of opening Settings.DBPath.
// The caller keeps ownership of it.
func WithStore(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithFileSystem replaces the OS filesystem
func WithFileSystem(fs fsys.FileSystem) Option {
	return func(o *options) { o.fs = fs }
}

// WithMemorySampler replaces the pool's memory sampler
func WithMemorySampler(s workerpool.MemorySampler) Option {
	return func(o *options) { o.sampler = s }
}

// Workspace owns every engine component
type Workspace struct {
	settings config.Settings
	log      hclog.Logger
	metrics  *metrics.Metrics

	store     storage.Storage
	ownsStore bool
	errs      *classify.Aggregator
	tracker   *progress.Tracker
	pool      *workerpool.Pool
	gateway   *persist.Gateway
	indexer   *indexer.Indexer
	watcher   *watcher.Watcher
	changes   *changes.Aggregator

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
}

// Open builds a workspace from settings and restores the registered folders
func Open(ctx context.Context, settings config.Settings, opts ...Option) (*Workspace, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := options{log: hclog.NewNullLogger(), fs: fsys.NewOS()}
	for _, opt := range opts {
		opt(&o)
	}

	ws := &Workspace{settings: settings, log: o.log, metrics: o.metrics, store: o.store}
	if ws.store == nil {
		dbPath, err := settings.ResolveDBPath()
		if err != nil {
			return nil, err
		}
		store, err := storage.NewSQLiteStorage(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		ws.store = store
		ws.ownsStore = true
	}

	filter, err := walker.FilterFromSettings(settings)
	if err != nil {
		ws.closeStore()
		return nil, err
	}

	ws.errs = classify.NewAggregator(o.log, o.metrics)
	ws.tracker = progress.New(ws.errs, o.log)

	poolOpts := []workerpool.Option{workerpool.WithLogger(o.log), workerpool.WithMetrics(o.metrics)}
	if o.sampler != nil {
		poolOpts = append(poolOpts, workerpool.WithMemorySampler(o.sampler))
	} else {
		poolOpts = append(poolOpts, workerpool.WithMemorySampler(workerpool.RuntimeSampler(settings.MemoryLimitBytes)))
	}
	ws.pool = workerpool.New(workerpool.ConfigFromSettings(settings), indexer.Handlers(o.fs), poolOpts...)

	ws.gateway = persist.New(ws.store, ws.errs, persist.ConfigFromSettings(settings),
		persist.WithLogger(o.log), persist.WithMetrics(o.metrics))

	ws.indexer = indexer.New(indexer.Deps{
		FS:      o.fs,
		Filter:  filter,
		Pool:    ws.pool,
		Gateway: ws.gateway,
		Catalog: ws.store,
		Tracker: ws.tracker,
		Errors:  ws.errs,
	}, indexer.ConfigFromSettings(settings), indexer.WithLogger(o.log), indexer.WithMetrics(o.metrics))

	ws.watcher = watcher.New(watcher.ConfigFromSettings(settings),
		watcher.WithLogger(o.log),
		watcher.WithFileSystem(o.fs),
		watcher.WithErrorReporter(func(err error, folderPath, path string) {
			ws.errs.Report(err, folderPath, path)
		}))

	ws.changes = changes.New(ws.indexer, ws.errs, settings.FlushInterval.Std(),
		changes.WithLogger(o.log), changes.WithMetrics(o.metrics))

	ws.bgCtx, ws.bgCancel = context.WithCancel(context.Background())

	if err := ws.restore(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

// restore registers stored folders. Folders with records start as Indexed.
func (ws *Workspace) restore(ctx context.Context) error {
	folders, err := ws.store.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load folders: %w", err)
	}
	for _, f := range folders {
		ws.register(*f)
		sums, err := ws.store.Checksums(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("failed to load records of %s: %w", f.Path, err)
		}
		if len(sums) == 0 {
			continue
		}
		_ = ws.tracker.SetStatus(f.ID, types.StatusIndexing)
		_, _ = ws.tracker.Update(f.ID, progress.Delta{Total: len(sums), Indexed: len(sums)})
		_ = ws.tracker.SetStatus(f.ID, types.StatusIndexed)
	}
	ws.log.Debug("workspace restored", "folders", len(folders))
	return nil
}

func (ws *Workspace) register(f types.Folder) {
	ws.tracker.Init(f.ID, f.Path)
	ws.changes.Register(f)
}

func (ws *Workspace) closeStore() {
	if ws.ownsStore {
		_ = ws.store.Close()
	}
}

// Settings returns the settings the workspace was opened with
func (ws *Workspace) Settings() config.Settings {
	return ws.settings
}

// Metrics returns the attached metrics, possibly nil
func (ws *Workspace) Metrics() *metrics.Metrics {
	return ws.metrics
}

func (ws *Workspace) closed() bool {
	return ws.bgCtx.Err() != nil
}

// AddFolder registers a directory. A leading ~ is expanded and relative
// paths are made absolute. name defaults to the directory's base name.
func (ws *Workspace) AddFolder(ctx context.Context, path, name string) (*types.Folder, error) {
	if ws.closed() {
		return nil, ErrClosed
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	folder := &types.Folder{ID: uuid.NewString(), Path: abs, DisplayName: name}
	if err := ws.store.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}
	ws.register(*folder)
	ws.log.Info("folder added", "folder", folder.Path, "id", folder.ID)
	return folder, nil
}

// Folder returns one registered folder
func (ws *Workspace) Folder(ctx context.Context, id string) (*types.Folder, error) {
	return ws.store.GetFolder(ctx, id)
}

// FolderByPath returns the folder registered at path
func (ws *Workspace) FolderByPath(ctx context.Context, path string) (*types.Folder, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	return ws.store.GetFolderByPath(ctx, types.NormalizePath(expanded))
}

// ListFolders returns every registered folder ordered by path
func (ws *Workspace) ListFolders(ctx context.Context) ([]*types.Folder, error) {
	return ws.store.ListFolders(ctx)
}

// RemoveFolder cancels any run, stops watching and deletes the folder with
// its statistics, records and errors
func (ws *Workspace) RemoveFolder(ctx context.Context, id string) error {
	folder, err := ws.store.GetFolder(ctx, id)
	if err != nil {
		return err
	}

	if ws.indexer.CancelFolder(id) {
		if err := ws.waitIdle(ctx, id); err != nil {
			return err
		}
	}
	if err := ws.watcher.Stop(folder.Path); err != nil {
		ws.log.Warn("failed to stop watcher", "folder", folder.Path, "error", err)
	}
	ws.changes.Unregister(id)
	// a flush already handed out may still be applying
	ws.indexer.Retire(id)
	ws.tracker.Remove(id)

	if _, err := ws.gateway.DeleteFolder(ctx, id); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	if err := ws.store.DeleteFolder(ctx, id); err != nil {
		return err
	}
	ws.errs.Clear(folder.Path)
	ws.log.Info("folder removed", "folder", folder.Path, "id", id)
	return nil
}

func (ws *Workspace) waitIdle(ctx context.Context, id string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for ws.indexer.IsIndexing(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// IndexFolder starts indexing one folder in the background
func (ws *Workspace) IndexFolder(ctx context.Context, id string) error {
	if ws.closed() {
		return ErrClosed
	}
	folder, err := ws.store.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	if ws.indexer.IsIndexing(id) {
		return fmt.Errorf("%s: %w", folder.Path, indexer.ErrAlreadyIndexing)
	}

	ws.bg.Add(1)
	go func() {
		defer ws.bg.Done()
		if _, err := ws.indexer.IndexFolder(ws.bgCtx, *folder, nil); err != nil {
			ws.log.Error("indexing failed", "folder", folder.Path, "error", err)
		}
	}()
	return nil
}

// IndexFolderSync indexes one folder and waits for the result
func (ws *Workspace) IndexFolderSync(ctx context.Context, id string) (*indexer.Statistics, error) {
	if ws.closed() {
		return nil, ErrClosed
	}
	folder, err := ws.store.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	return ws.indexer.IndexFolder(ctx, *folder, nil)
}

// IndexAll starts indexing every folder in the background
func (ws *Workspace) IndexAll(ctx context.Context) error {
	if ws.closed() {
		return ErrClosed
	}
	folders, err := ws.folderValues(ctx)
	if err != nil {
		return err
	}
	ws.bg.Add(1)
	go func() {
		defer ws.bg.Done()
		if _, err := ws.indexer.IndexAllFolders(ws.bgCtx, folders, nil); err != nil {
			ws.log.Error("indexing failed", "error", err)
		}
	}()
	return nil
}

// IndexAllSync indexes every folder and waits for the results
func (ws *Workspace) IndexAllSync(ctx context.Context) (map[string]*indexer.Statistics, error) {
	if ws.closed() {
		return nil, ErrClosed
	}
	folders, err := ws.folderValues(ctx)
	if err != nil {
		return nil, err
	}
	return ws.indexer.IndexAllFolders(ctx, folders, nil)
}

func (ws *Workspace) folderValues(ctx context.Context) ([]types.Folder, error) {
	folders, err := ws.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Folder, len(folders))
	for i, f := range folders {
		out[i] = *f
	}
	return out, nil
}

// CancelIndexing cancels the run of one folder
func (ws *Workspace) CancelIndexing(id string) bool {
	return ws.indexer.CancelFolder(id)
}

// IsIndexing reports whether a folder has a run in flight
func (ws *Workspace) IsIndexing(id string) bool {
	return ws.indexer.IsIndexing(id)
}

// StartWatching subscribes to a folder's changes and persists the flag
func (ws *Workspace) StartWatching(ctx context.Context, id string) error {
	if ws.closed() {
		return ErrClosed
	}
	folder, err := ws.store.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	if err := ws.watcher.StartWatching(*folder); err != nil {
		return err
	}
	return ws.store.SetWatched(ctx, id, true)
}

// StopWatching unsubscribes a folder and clears the flag
func (ws *Workspace) StopWatching(ctx context.Context, id string) error {
	folder, err := ws.store.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	if err := ws.watcher.Stop(folder.Path); err != nil {
		return err
	}
	return ws.store.SetWatched(ctx, id, false)
}

// IsWatching reports whether a folder path has an active subscription
func (ws *Workspace) IsWatching(path string) bool {
	return ws.watcher.IsWatching(path)
}

// ClearAll cancels every run and deletes every record. Folders stay
// registered and return to NotIndexed.
func (ws *Workspace) ClearAll(ctx context.Context) (int, error) {
	ws.indexer.CancelAll()
	folders, err := ws.store.ListFolders(ctx)
	if err != nil {
		return 0, err
	}
	for _, f := range folders {
		if err := ws.waitIdle(ctx, f.ID); err != nil {
			return 0, err
		}
	}

	n, err := ws.gateway.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, f := range folders {
		_ = ws.tracker.Reset(f.ID)
	}
	ws.errs.Clear("")
	ws.log.Info("index cleared", "records", n)
	return n, nil
}

// StoreStats returns aggregate store statistics
func (ws *Workspace) StoreStats(ctx context.Context) (*storage.StoreStats, error) {
	return ws.gateway.Stats(ctx)
}

// CheckIntegrity reports store problems; it never repairs
func (ws *Workspace) CheckIntegrity(ctx context.Context, thorough bool) (*storage.IntegrityReport, error) {
	return ws.gateway.CheckIntegrity(ctx, thorough)
}

// Repair removes orphaned records and rebuilds indexes
func (ws *Workspace) Repair(ctx context.Context) (*storage.RepairReport, error) {
	return ws.gateway.Repair(ctx)
}

// Optimize compacts the store
func (ws *Workspace) Optimize(ctx context.Context) error {
	return ws.gateway.Optimize(ctx)
}

// FolderStats returns the progress snapshot of one folder
func (ws *Workspace) FolderStats(id string) (types.ProgressEvent, bool) {
	return ws.tracker.Event(id)
}

// AllStats returns the progress snapshot of every folder
func (ws *Workspace) AllStats() []types.ProgressEvent {
	return ws.tracker.All()
}

// Subscribe streams progress events
func (ws *Workspace) Subscribe(buffer int) *progress.Subscription {
	return ws.tracker.Subscribe(buffer)
}

// Errors lists aggregated errors, newest first. An empty folderPath lists all.
func (ws *Workspace) Errors(folderPath string) []types.ErrorRecord {
	return ws.errs.List(folderPath)
}

// ClearErrors drops aggregated errors and returns how many entries went
func (ws *Workspace) ClearErrors(folderPath string) int {
	return ws.errs.Clear(folderPath)
}

// SetWorkers resizes the worker pool
func (ws *Workspace) SetWorkers(n int) {
	ws.pool.Resize(n)
}

// PoolStats returns the worker pool state
func (ws *Workspace) PoolStats() workerpool.Stats {
	return ws.pool.Stats()
}

// Run resumes watching the folders flagged as watched and feeds their
// changes to the indexer until ctx ends
func (ws *Workspace) Run(ctx context.Context) error {
	folders, err := ws.store.ListFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if !f.Watched {
			continue
		}
		if err := ws.watcher.StartWatching(*f); err != nil {
			ws.errs.Report(fmt.Errorf("resume watching: %w", err), f.Path, "")
		}
	}
	err = ws.changes.Run(ctx, ws.watcher.Events())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close cancels background runs and releases every component
func (ws *Workspace) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.bgCancel()
		ws.indexer.CancelAll()
		ws.bg.Wait()
		err = errors.Join(ws.watcher.Close(), ws.pool.Close())
		if ws.ownsStore {
			err = errors.Join(err, ws.store.Close())
		}
	})
	return err
}
