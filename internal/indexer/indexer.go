package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/folderindex/internal/cancel"
	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/fsys"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/internal/persist"
	"github.com/dshills/folderindex/internal/progress"
	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/internal/walker"
	"github.com/dshills/folderindex/internal/workerpool"
	"github.com/dshills/folderindex/pkg/types"
)

// ErrAlreadyIndexing is returned when a folder already has a run in flight
var ErrAlreadyIndexing = errors.New("folder is already being indexed")

// Catalog is the read side of the store the indexer needs
type Catalog interface {
	GetFolder(ctx context.Context, id string) (*types.Folder, error)
	GetRecordByPath(ctx context.Context, folderID, path string) (*types.IndexedFileRecord, error)
	Checksums(ctx context.Context, folderID string) (map[string]string, error)
}

// Deps are the collaborators of an Indexer. Pool must be built with Handlers.
type Deps struct {
	FS      fsys.FileSystem
	Filter  *walker.Filter
	Pool    *workerpool.Pool
	Gateway *persist.Gateway
	Catalog Catalog
	Tracker *progress.Tracker
	Errors  *classify.Aggregator
}

// Config contains configuration for the indexer
type Config struct {
	Force             bool // Re-write files whose checksum did not change
	Verify            bool // Read back every saved record
	FolderConcurrency int  // Folders indexed at once by IndexAllFolders (default: 2)
	InFlight          int  // Submitted but uncollected tasks per folder (default: 64)
}

// ConfigFromSettings extracts the orchestrator settings
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		Verify:            s.VerifyWrites,
		FolderConcurrency: s.FolderConcurrency,
		InFlight:          max(s.Workers*4, 16),
	}
}

// Statistics contains statistics about one indexing run
type Statistics struct {
	FolderID       string        `json:"folderId"`
	FilesFound     int           `json:"filesFound"`
	FilesIndexed   int           `json:"filesIndexed"`
	FilesUnchanged int           `json:"filesUnchanged"`
	FilesFailed    int           `json:"filesFailed"`
	FilesRemoved   int           `json:"filesRemoved"`
	Unverified     int           `json:"unverified,omitempty"`
	Cancelled      bool          `json:"cancelled"`
	Duration       time.Duration `json:"duration"`
}

// Option configures an Indexer
type Option func(*Indexer)

// WithLogger sets the logger
func WithLogger(log hclog.Logger) Option {
	return func(idx *Indexer) {
		if log != nil {
			idx.log = log.Named("indexer")
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(idx *Indexer) { idx.metrics = m }
}

// Indexer coordinates the indexing pipeline: walk -> extract -> save
type Indexer struct {
	deps    Deps
	cfg     Config
	running *registry
	log     hclog.Logger
	metrics *metrics.Metrics
}

// New creates a new Indexer instance
func New(deps Deps, cfg Config, opts ...Option) *Indexer {
	if cfg.FolderConcurrency <= 0 {
		cfg.FolderConcurrency = 2
	}
	if cfg.InFlight <= 0 {
		cfg.InFlight = 64
	}
	if deps.Errors == nil {
		deps.Errors = classify.NewAggregator(nil, nil)
	}
	if deps.Filter == nil {
		deps.Filter, _ = walker.NewFilter(walker.FilterOptions{IncludeHidden: true})
	}
	idx := &Indexer{
		deps:    deps,
		cfg:     cfg,
		running: newRegistry(),
		log:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// IsIndexing reports whether folderID has a run in flight
func (idx *Indexer) IsIndexing(folderID string) bool {
	return idx.running.active(folderID)
}

// CancelFolder cancels the run of folderID, if any
func (idx *Indexer) CancelFolder(folderID string) bool {
	return idx.running.cancel(folderID)
}

// Retire blocks until the change batches in flight for folderID have
// finished and drops every later one. Folder IDs are never reused, so a
// retired ID stays retired.
func (idx *Indexer) Retire(folderID string) {
	idx.running.retire(folderID)
}

// CancelAll cancels every run in flight and returns how many there were
func (idx *Indexer) CancelAll() int {
	return idx.running.cancelAll()
}

// pending pairs a submitted task with its path
type pending struct {
	path   string
	future *workerpool.Future
}

// run carries the state of one IndexFolder call
type run struct {
	folder types.Folder
	token  *cancel.Token
	stats  *Statistics
	batch  []*types.IndexedFileRecord
	size   int
}

// IndexFolder indexes one folder. token bounds the run and may be nil; it
// may be shared with other folders. Cancellation is not an error: the run
// ends Stopped and the returned Statistics has Cancelled set.
func (idx *Indexer) IndexFolder(ctx context.Context, folder types.Folder, token *cancel.Token) (*Statistics, error) {
	parent, stop := context.WithCancel(ctx)
	defer stop()
	if token != nil {
		unregister := token.OnCancel(stop)
		defer unregister()
	}
	// a per-folder token so CancelFolder leaves siblings alone
	ft := cancel.NewWithParent(parent)
	if parent.Err() != nil {
		ft.Cancel()
	}

	if !idx.running.tryAcquire(folder.ID, ft) {
		return nil, fmt.Errorf("%s: %w", folder.Path, ErrAlreadyIndexing)
	}
	defer idx.running.release(folder.ID)

	startTime := time.Now()
	r := &run{folder: folder, token: ft, stats: &Statistics{FolderID: folder.ID}}
	tracker := idx.deps.Tracker

	tracker.Init(folder.ID, folder.Path)
	if err := tracker.SetStatus(folder.ID, types.StatusIndexing); err != nil {
		return nil, err
	}
	_ = tracker.ResetCounts(folder.ID)
	idx.log.Info("indexing folder", "folder", folder.Path, "id", folder.ID)

	known, err := idx.deps.Catalog.Checksums(ctx, folder.ID)
	if err != nil {
		// without stored checksums every file is written again
		idx.deps.Errors.Report(fmt.Errorf("load checksums: %w", err), folder.Path, "")
		known = nil
	}

	files := idx.discover(r)
	r.stats.FilesFound = len(files)
	if !ft.IsCancelled() {
		_, _ = tracker.Update(folder.ID, progress.Delta{Total: len(files), Queue: len(files)})
		r.size = idx.deps.Gateway.BatchSize(len(files))
		r.batch = make([]*types.IndexedFileRecord, 0, r.size)

		seen := idx.process(ctx, r, files, known)

		if !ft.IsCancelled() {
			idx.removeStale(ctx, r, known, seen)
		}
	}

	r.stats.Duration = time.Since(startTime)
	return r.stats, idx.finish(r)
}

// discover drains the walker; the walk stops early on cancellation
func (idx *Indexer) discover(r *run) []string {
	w := walker.New(idx.deps.FS, idx.deps.Filter, func(path string, err error) {
		idx.deps.Errors.Report(err, r.folder.Path, path)
	})
	var files []string
	for path := range w.Walk(r.folder.Path, r.token) {
		files = append(files, path)
	}
	return files
}

// process submits files to the pool from one goroutine and collects the
// results in submission order on the calling one, saving full batches.
func (idx *Indexer) process(ctx context.Context, r *run, files []string, known map[string]string) map[string]bool {
	runCtx := r.token.Context()
	futures := make(chan pending, idx.cfg.InFlight)

	go func() {
		defer close(futures)
		for _, path := range files {
			if r.token.IsCancelled() {
				return
			}
			req := ExtractRequest{FolderID: r.folder.ID, Path: path}
			if !idx.cfg.Force {
				req.KnownChecksum = known[path]
			}
			f := idx.deps.Pool.Submit(runCtx, types.TaskExtract, req)
			select {
			case futures <- pending{path: path, future: f}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	seen := make(map[string]bool, len(files))
	tracker := idx.deps.Tracker
	for p := range futures {
		res, err := p.future.Wait(ctx)
		seen[p.path] = true
		if err != nil {
			if r.token.IsCancelled() {
				continue
			}
			idx.deps.Errors.Report(err, r.folder.Path, p.path)
			r.stats.FilesFailed++
			idx.metrics.FileProcessed("failed")
			_, _ = tracker.Update(r.folder.ID, progress.Delta{Total: -1, Failed: 1, Queue: -1, CurrentFile: p.path})
			continue
		}

		ext := res.(*Extraction)
		if ext.Unchanged {
			r.stats.FilesUnchanged++
			idx.metrics.FileProcessed("skipped")
			_, _ = tracker.Update(r.folder.ID, progress.Delta{Indexed: 1, Queue: -1, CurrentFile: p.path})
			continue
		}

		r.batch = append(r.batch, ext.Record)
		if len(r.batch) >= r.size {
			idx.flush(ctx, r)
		}
	}
	idx.flush(ctx, r)
	return seen
}

// flush saves the current batch unless the run was cancelled
func (idx *Indexer) flush(ctx context.Context, r *run) {
	if len(r.batch) == 0 {
		return
	}
	batch := r.batch
	r.batch = make([]*types.IndexedFileRecord, 0, r.size)
	if r.token.IsCancelled() {
		return
	}

	res := idx.deps.Gateway.SaveBatch(ctx, r.folder.Path, batch, idx.cfg.Verify)
	indexed := res.SavedCount - len(res.Unverified)
	failed := len(batch) - indexed

	r.stats.FilesIndexed += indexed
	r.stats.FilesFailed += failed
	r.stats.Unverified += len(res.Unverified)
	for range indexed {
		idx.metrics.FileProcessed("indexed")
	}
	for range failed {
		idx.metrics.FileProcessed("failed")
	}

	_, _ = idx.deps.Tracker.Update(r.folder.ID, progress.Delta{
		Indexed:     indexed,
		Total:       -failed,
		Failed:      failed,
		Queue:       -len(batch),
		CurrentFile: batch[len(batch)-1].Path,
	})
}

// removeStale deletes records of files the walk no longer produced
func (idx *Indexer) removeStale(ctx context.Context, r *run, known map[string]string, seen map[string]bool) {
	stale := make([]string, 0)
	for path := range known {
		if !seen[path] {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	for _, path := range stale {
		deleted, err := idx.deps.Gateway.DeleteByPath(ctx, r.folder.ID, path)
		if err != nil {
			idx.deps.Errors.Report(fmt.Errorf("remove stale record: %w", err), r.folder.Path, path)
			continue
		}
		if deleted {
			r.stats.FilesRemoved++
		}
	}
}

// finish settles the queue and moves the folder to its terminal status
func (idx *Indexer) finish(r *run) error {
	tracker := idx.deps.Tracker
	status := types.StatusIndexed
	if r.token.IsCancelled() {
		status = types.StatusStopped
		r.stats.Cancelled = true
		if cur, ok := tracker.Get(r.folder.ID); ok && cur.FilesInQueue > 0 {
			_, _ = tracker.Update(r.folder.ID, progress.Delta{Queue: -cur.FilesInQueue})
		}
	}
	if err := tracker.SetStatus(r.folder.ID, status); err != nil {
		return err
	}

	idx.log.Info("indexing finished", "folder", r.folder.Path, "status", status,
		"indexed", r.stats.FilesIndexed, "unchanged", r.stats.FilesUnchanged,
		"failed", r.stats.FilesFailed, "removed", r.stats.FilesRemoved,
		"duration", r.stats.Duration)
	return nil
}

// IndexAllFolders indexes folders with bounded concurrency under one token.
// A failing folder does not stop its siblings; errors are joined.
func (idx *Indexer) IndexAllFolders(ctx context.Context, folders []types.Folder, token *cancel.Token) (map[string]*Statistics, error) {
	if token == nil {
		token = cancel.NewWithParent(ctx)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*Statistics, len(folders))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(idx.cfg.FolderConcurrency)
	for _, folder := range folders {
		if token.IsCancelled() {
			break
		}
		g.Go(func() error {
			stats, err := idx.IndexFolder(ctx, folder, token)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", folder.Path, err))
				return nil
			}
			results[folder.ID] = stats
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// ApplyChangeBatch applies watcher changes for one folder: removals go
// straight to the store, adds and modifies through the pool and gateway.
// Per-file failures are reported, not returned. Batches for a retired folder
// are dropped.
func (idx *Indexer) ApplyChangeBatch(ctx context.Context, folderID string, changes []types.FileChangeEvent) error {
	if !idx.running.beginApply(folderID) {
		idx.log.Debug("dropping changes for retired folder", "id", folderID, "events", len(changes))
		return nil
	}
	defer idx.running.endApply(folderID)

	folder, err := idx.deps.Catalog.GetFolder(ctx, folderID)
	if err != nil {
		return fmt.Errorf("apply changes to %s: %w", folderID, err)
	}
	tracker := idx.deps.Tracker
	tracker.Init(folder.ID, folder.Path)

	latest := dedupe(changes)
	if len(latest) == 0 {
		return nil
	}

	cur, _ := tracker.Get(folder.ID)
	wasIndexed := cur.Status == types.StatusIndexed
	if wasIndexed {
		_ = tracker.SetStatus(folder.ID, types.StatusIndexing)
	}
	defer func() {
		if wasIndexed && !idx.IsIndexing(folder.ID) {
			_ = tracker.SetStatus(folder.ID, types.StatusIndexed)
		}
	}()

	var updates []types.FileChangeEvent
	for _, ev := range latest {
		if ev.Type == types.ChangeRemoved {
			idx.applyRemoval(ctx, folder, ev.Path)
			continue
		}
		updates = append(updates, ev)
	}
	idx.applyUpdates(ctx, folder, updates)
	return nil
}

// dedupe keeps the last event per path, in order of first appearance
func dedupe(changes []types.FileChangeEvent) []types.FileChangeEvent {
	index := make(map[string]int, len(changes))
	out := make([]types.FileChangeEvent, 0, len(changes))
	for _, ev := range changes {
		if i, ok := index[ev.Path]; ok {
			out[i] = ev
			continue
		}
		index[ev.Path] = len(out)
		out = append(out, ev)
	}
	return out
}

func (idx *Indexer) applyRemoval(ctx context.Context, folder *types.Folder, path string) {
	removed := 0
	deleted, err := idx.deps.Gateway.DeleteByPath(ctx, folder.ID, path)
	if err == nil && deleted {
		removed = 1
	} else if err == nil {
		// a removed directory takes its files with it
		removed, err = idx.deps.Gateway.DeleteUnderDir(ctx, folder.ID, path)
	}
	if err != nil {
		idx.deps.Errors.Report(fmt.Errorf("remove: %w", err), folder.Path, path)
		return
	}
	if removed > 0 {
		_, _ = idx.deps.Tracker.Update(folder.ID, progress.Delta{Indexed: -removed, Total: -removed})
	}
}

// update is one add or modify that survived filtering
type update struct {
	path   string
	stored *types.IndexedFileRecord
}

func (idx *Indexer) applyUpdates(ctx context.Context, folder *types.Folder, events []types.FileChangeEvent) {
	var work []update
	for _, ev := range events {
		info, err := idx.deps.FS.Stat(ev.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// gone again before the flush
				idx.applyRemoval(ctx, folder, ev.Path)
				continue
			}
			idx.deps.Errors.Report(err, folder.Path, ev.Path)
			continue
		}
		if info.IsDir || !idx.deps.Filter.Accept(folder.Path, ev.Path, info.Size) {
			continue
		}
		u := update{path: ev.Path}
		if rec, err := idx.deps.Catalog.GetRecordByPath(ctx, folder.ID, ev.Path); err == nil {
			u.stored = rec
		} else if !errors.Is(err, storage.ErrNotFound) {
			idx.deps.Errors.Report(err, folder.Path, ev.Path)
			continue
		}
		work = append(work, u)
	}
	if len(work) == 0 {
		return
	}

	work = idx.dropUnchanged(ctx, folder, work)
	if len(work) == 0 {
		return
	}

	newFiles := 0
	for _, u := range work {
		if u.stored == nil {
			newFiles++
		}
	}
	tracker := idx.deps.Tracker
	_, _ = tracker.Update(folder.ID, progress.Delta{Total: newFiles, Queue: len(work)})

	futures := make([]*workerpool.Future, len(work))
	for i, u := range work {
		futures[i] = idx.deps.Pool.Submit(ctx, types.TaskExtract, ExtractRequest{FolderID: folder.ID, Path: u.path})
	}

	var records []*types.IndexedFileRecord
	var owners []update
	for i, f := range futures {
		res, err := f.Wait(ctx)
		if err != nil {
			idx.deps.Errors.Report(err, folder.Path, work[i].path)
			idx.settle(folder.ID, work[i], false)
			continue
		}
		records = append(records, res.(*Extraction).Record)
		owners = append(owners, work[i])
	}
	if len(records) == 0 {
		return
	}

	cur, _ := tracker.Get(folder.ID)
	size := idx.deps.Gateway.BatchSize(cur.TotalFiles)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunk := records[start:end]
		res := idx.deps.Gateway.SaveBatch(ctx, folder.Path, chunk, idx.cfg.Verify)
		unverified := make(map[string]bool, len(res.Unverified))
		for _, id := range res.Unverified {
			unverified[id] = true
		}
		saved := res.SavedCount == len(chunk)
		for i, u := range owners[start:end] {
			idx.settle(folder.ID, u, saved && !unverified[chunk[i].ID])
		}
	}
}

// dropUnchanged hashes modified files that are already stored and drops
// the ones whose content did not change
func (idx *Indexer) dropUnchanged(ctx context.Context, folder *types.Folder, work []update) []update {
	if idx.cfg.Force {
		return work
	}
	futures := make(map[int]*workerpool.Future)
	for i, u := range work {
		if u.stored != nil && u.stored.Checksum != "" {
			futures[i] = idx.deps.Pool.Submit(ctx, types.TaskHash, u.path)
		}
	}
	out := work[:0:0]
	for i, u := range work {
		f, ok := futures[i]
		if !ok {
			out = append(out, u)
			continue
		}
		sum, err := f.Wait(ctx)
		if err != nil {
			idx.deps.Errors.Report(err, folder.Path, u.path)
			continue
		}
		if sum.(string) == u.stored.Checksum {
			idx.metrics.FileProcessed("skipped")
			continue
		}
		out = append(out, u)
	}
	return out
}

// settle books the outcome of one update. A failed modify keeps its old
// record, so only failed new files leave the total.
func (idx *Indexer) settle(folderID string, u update, ok bool) {
	d := progress.Delta{Queue: -1, CurrentFile: u.path}
	switch {
	case ok && u.stored == nil:
		d.Indexed = 1
		idx.metrics.FileProcessed("indexed")
	case ok:
		idx.metrics.FileProcessed("indexed")
	case u.stored == nil:
		d.Total = -1
		d.Failed = 1
		idx.metrics.FileProcessed("failed")
	default:
		d.Failed = 1
		idx.metrics.FileProcessed("failed")
	}
	_, _ = idx.deps.Tracker.Update(folderID, d)
}
