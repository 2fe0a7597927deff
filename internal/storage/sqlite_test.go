package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/folderindex/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func createTestFolder(t *testing.T, s *SQLiteStorage, id, path string) *types.Folder {
	t.Helper()
	folder := &types.Folder{ID: id, Path: path, DisplayName: filepath.Base(path)}
	require.NoError(t, s.CreateFolder(context.Background(), folder))
	return folder
}

func newRecord(folderID, path, checksum string) *types.IndexedFileRecord {
	d := int64(3)
	return &types.IndexedFileRecord{
		ID:                   types.RecordID(folderID, path),
		FolderID:             folderID,
		Path:                 path,
		Filename:             filepath.Base(path),
		Checksum:             checksum,
		Size:                 int64(len(checksum)),
		ContentType:          "text/plain",
		Content:              "content of " + path,
		LastIndexed:          time.UnixMilli(1_700_000_000_000),
		LastModified:         time.UnixMilli(1_690_000_000_000),
		ProcessingDurationMs: &d,
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)

	v, err := SchemaVersion(context.Background(), storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestFolderCRUD(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	folder := createTestFolder(t, storage, "f1", "/data/notes/")
	assert.Equal(t, "/data/notes", folder.Path)

	got, err := storage.GetFolder(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, folder, got)

	got, err = storage.GetFolderByPath(ctx, "/data/notes")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)

	// duplicate path
	err = storage.CreateFolder(ctx, &types.Folder{ID: "f2", Path: "/data/notes"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, storage.SetWatched(ctx, "f1", true))
	got, err = storage.GetFolder(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, got.Watched)

	createTestFolder(t, storage, "f0", "/data/archive")
	folders, err := storage.ListFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "/data/archive", folders[0].Path)

	require.NoError(t, storage.DeleteFolder(ctx, "f1"))
	_, err = storage.GetFolder(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, storage.DeleteFolder(ctx, "f1"), ErrNotFound)
	assert.ErrorIs(t, storage.SetWatched(ctx, "f1", false), ErrNotFound)
}

func TestCreateFolderValidates(t *testing.T) {
	storage := setupTestDB(t)
	err := storage.CreateFolder(context.Background(), &types.Folder{ID: "f1", Path: "relative/path"})
	assert.ErrorIs(t, err, types.ErrPathNotAbsolute)
}

func TestWriteBatchTransactional(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	records := []*types.IndexedFileRecord{
		newRecord("f1", "/data/a.txt", "aaa"),
		newRecord("f1", "/data/b.txt", "bbb"),
	}
	n, err := storage.WriteBatchTransactional(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := storage.GetRecord(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, records[0], got)

	exists, err := storage.Exists(ctx, records[1].ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = storage.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWriteBatchIsAtomic(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	records := []*types.IndexedFileRecord{
		newRecord("f1", "/data/a.txt", "aaa"),
		newRecord("no-such-folder", "/other/b.txt", "bbb"), // foreign key violation
	}
	n, err := storage.WriteBatchTransactional(ctx, records)
	require.Error(t, err)
	assert.Equal(t, 0, n)

	exists, err := storage.Exists(ctx, records[0].ID)
	require.NoError(t, err)
	assert.False(t, exists, "first record must be rolled back")
}

func TestUpsertRecordUpdatesInPlace(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	first := newRecord("f1", "/data/a.txt", "v1")
	_, err := storage.WriteBatchTransactional(ctx, []*types.IndexedFileRecord{first})
	require.NoError(t, err)

	second := newRecord("f1", "/data/a.txt", "v2")
	second.Content = "changed"
	second.ProcessingDurationMs = nil
	second.ContentType = ""
	_, err = storage.WriteBatchTransactional(ctx, []*types.IndexedFileRecord{second})
	require.NoError(t, err)

	records, err := storage.ListRecords(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, "v2", records[0].Checksum)
	assert.Equal(t, "changed", records[0].Content)
	assert.Nil(t, records[0].ProcessingDurationMs)
	assert.Empty(t, records[0].ContentType)
}

func TestRecordLookupAndChecksums(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	_, err := storage.WriteBatchTransactional(ctx, []*types.IndexedFileRecord{
		newRecord("f1", "/data/a.txt", "aaa"),
		newRecord("f1", "/data/b.txt", "bbb"),
	})
	require.NoError(t, err)

	rec, err := storage.GetRecordByPath(ctx, "f1", "/data/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "bbb", rec.Checksum)

	_, err = storage.GetRecordByPath(ctx, "f1", "/data/zzz.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	sums, err := storage.Checksums(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/data/a.txt": "aaa", "/data/b.txt": "bbb"}, sums)
}

func TestDeletes(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")
	createTestFolder(t, storage, "f2", "/other")

	_, err := storage.WriteBatchTransactional(ctx, []*types.IndexedFileRecord{
		newRecord("f1", "/data/a.txt", "a"),
		newRecord("f1", "/data/sub/b.txt", "b"),
		newRecord("f1", "/data/sub/c.txt", "c"),
		newRecord("f1", "/data/subway/d.txt", "d"),
		newRecord("f2", "/other/e.txt", "e"),
	})
	require.NoError(t, err)

	deleted, err := storage.DeleteByPath(ctx, "f1", "/data/a.txt")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = storage.DeleteByPath(ctx, "f1", "/data/a.txt")
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := storage.DeleteUnderDir(ctx, "f1", "/data/sub")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = storage.DeleteAllForFolder(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = storage.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	folders, err := storage.ListFolders(ctx)
	require.NoError(t, err)
	assert.Len(t, folders, 2, "clearing the index keeps folders")
}

func TestDeleteFolderCascades(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	rec := newRecord("f1", "/data/a.txt", "a")
	_, err := storage.WriteBatchTransactional(ctx, []*types.IndexedFileRecord{rec})
	require.NoError(t, err)

	require.NoError(t, storage.DeleteFolder(ctx, "f1"))
	exists, err := storage.Exists(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTxCommitAndRollback(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertRecord(ctx, newRecord("f1", "/data/a.txt", "a")))
	require.NoError(t, tx.Rollback())

	exists, err := storage.Exists(ctx, types.RecordID("f1", "/data/a.txt"))
	require.NoError(t, err)
	assert.False(t, exists)

	tx, err = storage.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertRecord(ctx, newRecord("f1", "/data/a.txt", "a")))
	deleted, err := tx.DeleteByPath(ctx, "f1", "/data/missing.txt")
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, tx.Commit())

	exists, err = storage.Exists(ctx, types.RecordID("f1", "/data/a.txt"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStats(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")

	var records []*types.IndexedFileRecord
	for i := range 3 {
		records = append(records, newRecord("f1", fmt.Sprintf("/data/%d.txt", i), "12345"))
	}
	_, err := storage.WriteBatchTransactional(ctx, records)
	require.NoError(t, err)

	stats, err := storage.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalFiles)
	assert.Equal(t, int64(1), stats.TotalFolders)
	assert.Equal(t, int64(15), stats.TotalSize)
	assert.Equal(t, "ok", stats.IntegrityStatus)
	assert.Equal(t, CurrentSchemaVersion, stats.SchemaVersion)
	assert.Equal(t, BuildMode, stats.BuildMode)
	assert.Greater(t, stats.DatabaseSize, int64(0))
}

// insertOrphan writes a record whose folder does not exist, bypassing the
// foreign key the way a damaged database would present it
func insertOrphan(t *testing.T, s *SQLiteStorage) *types.IndexedFileRecord {
	t.Helper()
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=OFF")
	require.NoError(t, err)
	orphan := newRecord("ghost", "/ghost/a.txt", "x")
	require.NoError(t, s.upsertRecordWithQuerier(ctx, s.db, orphan))
	_, err = s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	return orphan
}

func TestCheckIntegrityAndRepair(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	createTestFolder(t, storage, "f1", "/data")
	_, err := storage.WriteBatchTransactional(ctx, []*types.IndexedFileRecord{newRecord("f1", "/data/a.txt", "a")})
	require.NoError(t, err)

	report, err := storage.CheckIntegrity(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.OK)

	orphan := insertOrphan(t, storage)

	report, err = storage.CheckIntegrity(ctx, true)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.True(t, report.Thorough)
	assert.Equal(t, 1, report.OrphanRecords)
	assert.Equal(t, 1, report.ForeignKeyViolations)

	// checking never repairs
	exists, err := storage.Exists(ctx, orphan.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	repaired, err := storage.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired.OrphansRemoved)
	assert.True(t, repaired.Reindexed)

	report, err = storage.CheckIntegrity(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.OK)

	exists, err = storage.Exists(ctx, types.RecordID("f1", "/data/a.txt"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOptimize(t *testing.T) {
	storage := setupTestDB(t)
	createTestFolder(t, storage, "f1", "/data")
	require.NoError(t, storage.Optimize(context.Background()))
}

func TestFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	storage, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	createTestFolder(t, storage, "f1", "/data")
	require.NoError(t, storage.Close())

	// reopening applies no migration twice and keeps data
	storage, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	defer storage.Close()

	folder, err := storage.GetFolder(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "/data", folder.Path)
}
