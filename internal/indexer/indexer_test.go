package indexer

import (
	"context"
	"io/fs"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/folderindex/internal/cancel"
	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/fsys"
	"github.com/dshills/folderindex/internal/persist"
	"github.com/dshills/folderindex/internal/progress"
	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/internal/walker"
	"github.com/dshills/folderindex/internal/workerpool"
	"github.com/dshills/folderindex/pkg/types"
)

// gatedFS wraps an in-memory filesystem. A non-nil gate blocks every listing
// and stat until it is closed; failRead makes ReadFile fail with a permission error.
type gatedFS struct {
	fsys.FileSystem
	gate     chan struct{}
	failRead map[string]bool
}

func (g *gatedFS) ListEntries(dir string) ([]fsys.Entry, error) {
	if g.gate != nil {
		<-g.gate
	}
	return g.FileSystem.ListEntries(dir)
}

func (g *gatedFS) Stat(path string) (fsys.Info, error) {
	if g.gate != nil {
		<-g.gate
	}
	return g.FileSystem.Stat(path)
}

func (g *gatedFS) ReadFile(path string) ([]byte, error) {
	if g.failRead[path] {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
	}
	return g.FileSystem.ReadFile(path)
}

// countingStore counts transactional batch writes
type countingStore struct {
	*storage.SQLiteStorage
	writes atomic.Int32
}

func (c *countingStore) WriteBatchTransactional(ctx context.Context, records []*types.IndexedFileRecord) (int, error) {
	c.writes.Add(1)
	return c.SQLiteStorage.WriteBatchTransactional(ctx, records)
}

type testEnv struct {
	idx     *Indexer
	store   *storage.SQLiteStorage
	writes  *countingStore
	tracker *progress.Tracker
	errs    *classify.Aggregator
	fs      *gatedFS
	mem     afero.Fs
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err, "Failed to create test storage")
	t.Cleanup(func() { _ = store.Close() })

	mem := fsys.NewMem()
	gfs := &gatedFS{FileSystem: mem, failRead: map[string]bool{}}
	settings := config.Default()

	pool := workerpool.New(workerpool.Config{Workers: 2, MemoryThresholdPercent: 100}, Handlers(gfs),
		workerpool.WithMemorySampler(func() float64 { return 0 }))
	t.Cleanup(func() { _ = pool.Close() })

	filter, err := walker.FilterFromSettings(settings)
	require.NoError(t, err)

	errs := classify.NewAggregator(nil, nil)
	tracker := progress.New(errs, nil)
	counted := &countingStore{SQLiteStorage: store}
	gateway := persist.New(counted, errs, persist.ConfigFromSettings(settings))

	idx := New(Deps{
		FS:      gfs,
		Filter:  filter,
		Pool:    pool,
		Gateway: gateway,
		Catalog: store,
		Tracker: tracker,
		Errors:  errs,
	}, ConfigFromSettings(settings))

	return &testEnv{idx: idx, store: store, tracker: tracker, errs: errs, fs: gfs, mem: mem.Afero(), writes: counted}
}

func (e *testEnv) addFolder(t *testing.T, path string) types.Folder {
	t.Helper()
	folder := &types.Folder{ID: uuid.NewString(), Path: path, DisplayName: filepath.Base(path)}
	require.NoError(t, e.store.CreateFolder(context.Background(), folder))
	return *folder
}

func (e *testEnv) writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, e.mem.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(e.mem, path, []byte(content), 0o644))
}

// createTestTree writes a.txt, sub/b.txt, sub/c.md and a hidden file under a
// fresh directory
func (e *testEnv) createTestTree(t *testing.T) string {
	t.Helper()
	dir := filepath.Join("/data", uuid.NewString())
	e.writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	e.writeFile(t, filepath.Join(dir, "sub", "b.txt"), "bravo")
	e.writeFile(t, filepath.Join(dir, "sub", "c.md"), "# charlie")
	e.writeFile(t, filepath.Join(dir, ".hidden"), "secret")
	return dir
}

func TestIndexFolder(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	stats, err := env.idx.IndexFolder(ctx, folder, cancel.New())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesFound)
	assert.Equal(t, 3, stats.FilesIndexed)
	assert.Zero(t, stats.FilesFailed)
	assert.False(t, stats.Cancelled)

	fstats, ok := env.tracker.Get(folder.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusIndexed, fstats.Status)
	assert.Equal(t, 3, fstats.IndexedFiles)
	assert.Equal(t, 3, fstats.TotalFiles)
	assert.Zero(t, fstats.FilesInQueue)
	assert.Equal(t, 100, fstats.Progress)

	rec, err := env.store.GetRecordByPath(ctx, folder.ID, filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", rec.Content)
	assert.Equal(t, "a.txt", rec.Filename)
	assert.Equal(t, computeChecksum([]byte("alpha")), rec.Checksum)
	assert.Equal(t, types.RecordID(folder.ID, rec.Path), rec.ID)

	_, err = env.store.GetRecordByPath(ctx, folder.ID, filepath.Join(dir, ".hidden"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIndexFolder_Incremental(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	_, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)

	env.writeFile(t, filepath.Join(dir, "a.txt"), "alpha v2")
	require.NoError(t, env.mem.Remove(filepath.Join(dir, "sub", "b.txt")))

	stats, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
	assert.Equal(t, 1, stats.FilesUnchanged)
	assert.Equal(t, 1, stats.FilesRemoved)

	records, err := env.store.ListRecords(ctx, folder.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alpha v2", records[0].Content)

	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, 2, fstats.IndexedFiles)
	assert.Equal(t, 100, fstats.Progress)
}

func TestIndexFolder_Force(t *testing.T) {
	env := setupTestEnv(t)
	env.idx.cfg.Force = true
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)

	_, err := env.idx.IndexFolder(context.Background(), folder, nil)
	require.NoError(t, err)
	stats, err := env.idx.IndexFolder(context.Background(), folder, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesIndexed)
	assert.Zero(t, stats.FilesUnchanged)
}

func TestIndexFolder_PartialFailure(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	env.fs.failRead[filepath.Join(dir, "sub", "b.txt")] = true

	stats, err := env.idx.IndexFolder(context.Background(), folder, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesIndexed)
	assert.Equal(t, 1, stats.FilesFailed)

	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, types.StatusIndexed, fstats.Status)
	assert.Equal(t, 2, fstats.TotalFiles)
	assert.Equal(t, 1, fstats.FailedFiles)
	assert.Equal(t, 100, fstats.Progress)

	errs := env.errs.List(dir)
	require.Len(t, errs, 1)
	assert.Equal(t, types.ErrorPermission, errs[0].Type)

	ev, _ := env.tracker.Event(folder.ID)
	assert.Equal(t, 1, ev.ErrorCount)
}

func TestIndexFolder_CancelledBeforeStart(t *testing.T) {
	env := setupTestEnv(t)
	folder := env.addFolder(t, env.createTestTree(t))

	token := cancel.New()
	token.Cancel()

	stats, err := env.idx.IndexFolder(context.Background(), folder, token)
	require.NoError(t, err)
	assert.True(t, stats.Cancelled)
	assert.Zero(t, stats.FilesIndexed)

	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, types.StatusStopped, fstats.Status)
	assert.Zero(t, fstats.FilesInQueue)
	assert.False(t, env.idx.IsIndexing(folder.ID))
}

func TestIndexFolder_AlreadyIndexingAndCancel(t *testing.T) {
	env := setupTestEnv(t)
	folder := env.addFolder(t, env.createTestTree(t))
	env.fs.gate = make(chan struct{})

	type outcome struct {
		stats *Statistics
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		stats, err := env.idx.IndexFolder(context.Background(), folder, nil)
		done <- outcome{stats, err}
	}()

	require.Eventually(t, func() bool { return env.idx.IsIndexing(folder.ID) }, time.Second, 5*time.Millisecond)

	_, err := env.idx.IndexFolder(context.Background(), folder, nil)
	assert.ErrorIs(t, err, ErrAlreadyIndexing)

	assert.True(t, env.idx.CancelFolder(folder.ID))
	close(env.fs.gate)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.stats.Cancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("indexing did not stop after cancel")
	}

	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, types.StatusStopped, fstats.Status)
	assert.False(t, env.idx.CancelFolder(folder.ID))

	// a stopped folder can be resumed
	stats, err := env.idx.IndexFolder(context.Background(), folder, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesIndexed)
}

func TestIndexAllFolders(t *testing.T) {
	env := setupTestEnv(t)
	first := env.addFolder(t, env.createTestTree(t))
	second := env.addFolder(t, env.createTestTree(t))
	missing := types.Folder{ID: uuid.NewString(), Path: "/data/gone"}

	results, err := env.idx.IndexAllFolders(context.Background(), []types.Folder{first, second, missing}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 3, results[first.ID].FilesIndexed)
	assert.Equal(t, 3, results[second.ID].FilesIndexed)
	assert.Zero(t, results[missing.ID].FilesFound)

	// the unreadable root is reported, siblings are unaffected
	assert.NotEmpty(t, env.errs.List(missing.Path))
}

func TestIndexAllFolders_Cancelled(t *testing.T) {
	env := setupTestEnv(t)
	folder := env.addFolder(t, env.createTestTree(t))
	token := cancel.New()
	token.Cancel()

	results, err := env.idx.IndexAllFolders(context.Background(), []types.Folder{folder}, token)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestApplyChangeBatch(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	_, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)

	env.writeFile(t, filepath.Join(dir, "a.txt"), "alpha v2")
	env.writeFile(t, filepath.Join(dir, "d.txt"), "delta")
	env.writeFile(t, filepath.Join(dir, "e.tmp"), "excluded by pattern")
	require.NoError(t, env.mem.RemoveAll(filepath.Join(dir, "sub")))

	now := time.Now()
	changes := []types.FileChangeEvent{
		{Path: filepath.Join(dir, "a.txt"), Type: types.ChangeModified, Timestamp: now},
		{Path: filepath.Join(dir, "d.txt"), Type: types.ChangeAdded, Timestamp: now},
		{Path: filepath.Join(dir, "d.txt"), Type: types.ChangeModified, Timestamp: now},
		{Path: filepath.Join(dir, "e.tmp"), Type: types.ChangeAdded, Timestamp: now},
		{Path: filepath.Join(dir, "sub"), Type: types.ChangeRemoved, Timestamp: now},
	}
	require.NoError(t, env.idx.ApplyChangeBatch(ctx, folder.ID, changes))

	records, err := env.store.ListRecords(ctx, folder.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alpha v2", records[0].Content)
	assert.Equal(t, "delta", records[1].Content)

	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, types.StatusIndexed, fstats.Status)
	assert.Equal(t, 2, fstats.TotalFiles)
	assert.Equal(t, 2, fstats.IndexedFiles)
	assert.Zero(t, fstats.FilesInQueue)
	assert.Equal(t, 100, fstats.Progress)
}

func TestApplyChangeBatch_UnchangedModifyIsSkipped(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	_, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)
	path := filepath.Join(dir, "a.txt")
	before, err := env.store.GetRecordByPath(ctx, folder.ID, path)
	require.NoError(t, err)

	require.NoError(t, env.idx.ApplyChangeBatch(ctx, folder.ID, []types.FileChangeEvent{
		{Path: path, Type: types.ChangeModified, Timestamp: time.Now()},
	}))

	after, err := env.store.GetRecordByPath(ctx, folder.ID, path)
	require.NoError(t, err)
	assert.Equal(t, before.LastIndexed, after.LastIndexed)
}

func TestApplyChangeBatch_VanishedFileIsRemoved(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	_, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "a.txt")
	require.NoError(t, env.mem.Remove(path))
	require.NoError(t, env.idx.ApplyChangeBatch(ctx, folder.ID, []types.FileChangeEvent{
		{Path: path, Type: types.ChangeModified, Timestamp: time.Now()},
	}))

	_, err = env.store.GetRecordByPath(ctx, folder.ID, path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, 2, fstats.TotalFiles)
}

func TestApplyChangeBatch_SplitsIntoBatches(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	_, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)
	before := env.writes.writes.Load()

	// 3 stored + 25 new stays under the small folder threshold: batches of 10
	var changes []types.FileChangeEvent
	for i := range 25 {
		path := filepath.Join(dir, "burst", fmt.Sprintf("f%02d.txt", i))
		env.writeFile(t, path, fmt.Sprintf("file %d", i))
		changes = append(changes, types.FileChangeEvent{Path: path, Type: types.ChangeAdded, Timestamp: time.Now()})
	}
	require.NoError(t, env.idx.ApplyChangeBatch(ctx, folder.ID, changes))

	assert.Equal(t, int32(3), env.writes.writes.Load()-before)
	records, err := env.store.ListRecords(ctx, folder.ID)
	require.NoError(t, err)
	assert.Len(t, records, 28)

	fstats, _ := env.tracker.Get(folder.ID)
	assert.Equal(t, 28, fstats.TotalFiles)
	assert.Equal(t, 28, fstats.IndexedFiles)
	assert.Zero(t, fstats.FilesInQueue)
}

func TestRetire_WaitsForChangeBatch(t *testing.T) {
	env := setupTestEnv(t)
	dir := env.createTestTree(t)
	folder := env.addFolder(t, dir)
	ctx := context.Background()

	_, err := env.idx.IndexFolder(ctx, folder, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "d.txt")
	env.writeFile(t, path, "delta")
	changes := []types.FileChangeEvent{{Path: path, Type: types.ChangeAdded, Timestamp: time.Now()}}

	env.fs.gate = make(chan struct{})
	applied := make(chan error, 1)
	go func() { applied <- env.idx.ApplyChangeBatch(ctx, folder.ID, changes) }()
	require.Eventually(t, func() bool { return env.idx.running.applyCount(folder.ID) == 1 }, time.Second, 5*time.Millisecond)

	retired := make(chan struct{})
	go func() {
		env.idx.Retire(folder.ID)
		close(retired)
	}()

	select {
	case <-retired:
		t.Fatal("Retire returned while a batch was applying")
	case <-time.After(50 * time.Millisecond):
	}

	close(env.fs.gate)
	require.NoError(t, <-applied)
	select {
	case <-retired:
	case <-time.After(5 * time.Second):
		t.Fatal("Retire did not return after the batch finished")
	}

	// later batches leave no trace
	env.tracker.Remove(folder.ID)
	require.NoError(t, env.idx.ApplyChangeBatch(ctx, folder.ID, changes))
	_, ok := env.tracker.Get(folder.ID)
	assert.False(t, ok)
}

func TestApplyChangeBatch_UnknownFolder(t *testing.T) {
	env := setupTestEnv(t)
	err := env.idx.ApplyChangeBatch(context.Background(), "nope", []types.FileChangeEvent{{Path: "/x", Type: types.ChangeAdded}})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDedupe(t *testing.T) {
	in := []types.FileChangeEvent{
		{Path: "/a", Type: types.ChangeAdded},
		{Path: "/b", Type: types.ChangeAdded},
		{Path: "/a", Type: types.ChangeRemoved},
	}
	out := dedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, types.FileChangeEvent{Path: "/a", Type: types.ChangeRemoved}, out[0])
	assert.Equal(t, "/b", out[1].Path)
}

func TestDetectContent(t *testing.T) {
	ct, content := detectContent([]byte("plain words"))
	assert.Contains(t, ct, "text/plain")
	assert.Equal(t, "plain words", content)

	ct, content = detectContent([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0})
	assert.Equal(t, "image/png", ct)
	assert.Empty(t, content)

	ct, content = detectContent(nil)
	assert.Contains(t, ct, "text/plain")
	assert.Empty(t, content)
}

func TestHandlers(t *testing.T) {
	fs := fsys.NewMem()
	dir := "/data"
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, fs.Afero().MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs.Afero(), path, []byte("hello"), 0o644))
	handlers := Handlers(fs)
	ctx := context.Background()

	sum, err := handlers[types.TaskHash](ctx, path)
	require.NoError(t, err)
	assert.Equal(t, computeChecksum([]byte("hello")), sum)

	res, err := handlers[types.TaskExtract](ctx, ExtractRequest{FolderID: "f", Path: path, KnownChecksum: sum.(string)})
	require.NoError(t, err)
	assert.True(t, res.(*Extraction).Unchanged)

	_, err = handlers[types.TaskExtract](ctx, ExtractRequest{FolderID: "f", Path: dir})
	assert.ErrorIs(t, err, ErrNotRegularFile)

	_, err = handlers[types.TaskExtract](ctx, "wrong payload")
	assert.Error(t, err)
}
