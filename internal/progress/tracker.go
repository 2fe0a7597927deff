// Package progress tracks per-folder indexing counters, derives the progress
// percentage, enforces the status state machine and fans snapshots out to
// subscribers.
package progress

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/pkg/types"
)

var (
	// ErrUnknownFolder is returned for a folder that was never initialized
	ErrUnknownFolder = errors.New("unknown folder")
	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultBuffer is the subscription buffer used when none is given
const DefaultBuffer = 64

var transitions = map[types.IndexStatus][]types.IndexStatus{
	types.StatusNotIndexed: {types.StatusIndexing},
	types.StatusIndexing:   {types.StatusIndexed, types.StatusStopped},
	types.StatusStopped:    {types.StatusIndexing},
	types.StatusIndexed:    {types.StatusIndexing},
}

// CanTransition reports whether from may move to to. Same-state moves are
// allowed and have no effect.
func CanTransition(from, to types.IndexStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Delta is a relative counter change. A non-empty CurrentFile replaces the
// current one.
type Delta struct {
	Indexed     int
	Total       int
	Queue       int
	Failed      int
	CurrentFile string
}

// Progress applies the capping rule: never 100 while work is queued, and an
// empty folder is complete only once it is Indexed.
func Progress(s types.FolderStats) int {
	if s.TotalFiles <= 0 {
		if s.Status == types.StatusIndexed && s.FilesInQueue == 0 {
			return 100
		}
		return 0
	}
	p := s.IndexedFiles * 100 / s.TotalFiles
	if s.FilesInQueue > 0 && p > 99 {
		p = 99
	}
	return p
}

type entry struct {
	path  string
	stats types.FolderStats
}

// Tracker is safe for concurrent use
type Tracker struct {
	mu      sync.Mutex
	folders map[string]*entry
	subs    map[*Subscription]struct{}
	errs    *classify.Aggregator
	log     hclog.Logger
}

// New creates a tracker. errs supplies error counts for events and may be nil.
func New(errs *classify.Aggregator, log hclog.Logger) *Tracker {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Tracker{
		folders: make(map[string]*entry),
		subs:    make(map[*Subscription]struct{}),
		errs:    errs,
		log:     log.Named("progress"),
	}
}

// Init registers a folder as NotIndexed. Re-initializing keeps the counters
// and only refreshes the path.
func (t *Tracker) Init(folderID, folderPath string) types.FolderStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.folders[folderID]
	if ok {
		e.path = folderPath
		return e.stats
	}
	e = &entry{path: folderPath, stats: types.FolderStats{Status: types.StatusNotIndexed}}
	t.folders[folderID] = e
	t.publishLocked(folderID, e)
	return e.stats
}

func clamp(s *types.FolderStats) {
	s.TotalFiles = max(s.TotalFiles, 0)
	s.IndexedFiles = min(max(s.IndexedFiles, 0), s.TotalFiles)
	s.FilesInQueue = max(s.FilesInQueue, 0)
	s.FailedFiles = max(s.FailedFiles, 0)
}

// Update applies d and recomputes progress
func (t *Tracker) Update(folderID string, d Delta) (types.FolderStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.folders[folderID]
	if !ok {
		return types.FolderStats{}, fmt.Errorf("update %s: %w", folderID, ErrUnknownFolder)
	}
	s := &e.stats
	s.TotalFiles += d.Total
	s.IndexedFiles += d.Indexed
	s.FilesInQueue += d.Queue
	s.FailedFiles += d.Failed
	if d.CurrentFile != "" {
		s.CurrentFile = d.CurrentFile
	}
	clamp(s)
	s.Progress = Progress(*s)
	t.publishLocked(folderID, e)
	return *s, nil
}

// SetStatus moves the folder through the state machine
func (t *Tracker) SetStatus(folderID string, status types.IndexStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.folders[folderID]
	if !ok {
		return fmt.Errorf("set status %s: %w", folderID, ErrUnknownFolder)
	}
	from := e.stats.Status
	if from == status {
		return nil
	}
	if !CanTransition(from, status) {
		return fmt.Errorf("%s -> %s: %w", from, status, ErrInvalidTransition)
	}
	e.stats.Status = status
	if status != types.StatusIndexing {
		e.stats.CurrentFile = ""
	}
	e.stats.Progress = Progress(e.stats)
	t.log.Debug("status changed", "folder", e.path, "from", from, "to", status)
	t.publishLocked(folderID, e)
	return nil
}

// ResetCounts zeroes every counter and keeps the status
func (t *Tracker) ResetCounts(folderID string) error {
	return t.reset(folderID, "")
}

// Reset zeroes every counter and returns the folder to NotIndexed. It is the
// only way back to NotIndexed and is used when the index is cleared.
func (t *Tracker) Reset(folderID string) error {
	return t.reset(folderID, types.StatusNotIndexed)
}

func (t *Tracker) reset(folderID string, status types.IndexStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.folders[folderID]
	if !ok {
		return fmt.Errorf("reset %s: %w", folderID, ErrUnknownFolder)
	}
	if status == "" {
		status = e.stats.Status
	}
	e.stats = types.FolderStats{Status: status}
	e.stats.Progress = Progress(e.stats)
	t.publishLocked(folderID, e)
	return nil
}

// Get returns a snapshot of one folder
func (t *Tracker) Get(folderID string) (types.FolderStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.folders[folderID]
	if !ok {
		return types.FolderStats{}, false
	}
	return e.stats, true
}

// Event returns the progress event for one folder
func (t *Tracker) Event(folderID string) (types.ProgressEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.folders[folderID]
	if !ok {
		return types.ProgressEvent{}, false
	}
	return t.eventLocked(folderID, e), true
}

// All returns events for every folder ordered by folder path
func (t *Tracker) All() []types.ProgressEvent {
	t.mu.Lock()
	out := make([]types.ProgressEvent, 0, len(t.folders))
	for id, e := range t.folders {
		out = append(out, t.eventLocked(id, e))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FolderPath < out[j].FolderPath })
	return out
}

// Remove forgets a folder
func (t *Tracker) Remove(folderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.folders, folderID)
}

func (t *Tracker) eventLocked(folderID string, e *entry) types.ProgressEvent {
	ev := types.ProgressEvent{
		FolderID:     folderID,
		FolderPath:   e.path,
		IndexedFiles: e.stats.IndexedFiles,
		TotalFiles:   e.stats.TotalFiles,
		FilesInQueue: e.stats.FilesInQueue,
		Progress:     e.stats.Progress,
		Status:       e.stats.Status,
		CurrentFile:  e.stats.CurrentFile,
	}
	if t.errs != nil {
		ev.ErrorCount = t.errs.Count(e.path)
	}
	return ev
}

func (t *Tracker) publishLocked(folderID string, e *entry) {
	if len(t.subs) == 0 {
		return
	}
	ev := t.eventLocked(folderID, e)
	for sub := range t.subs {
		sub.offer(ev)
	}
}
