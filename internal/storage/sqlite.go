package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/folderindex/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn(dbPath))
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) UpsertRecord(ctx context.Context, record *types.IndexedFileRecord) error {
	return t.storage.upsertRecordWithQuerier(ctx, t.tx, record)
}

func (t *sqliteTx) DeleteByPath(ctx context.Context, folderID, path string) (bool, error) {
	return t.storage.deleteByPathWithQuerier(ctx, t.tx, folderID, path)
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Folder operations

func (s *SQLiteStorage) CreateFolder(ctx context.Context, folder *types.Folder) error {
	if err := folder.Validate(); err != nil {
		return err
	}
	folder.Path = types.NormalizePath(folder.Path)

	query := `
		INSERT INTO folders (id, path, display_name, watched, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, query, folder.ID, folder.Path, folder.DisplayName, folder.Watched, now, now)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("folder %s: %w", folder.Path, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create folder: %w", err)
	}
	return nil
}

const folderColumns = `id, path, display_name, watched`

func scanFolder(row interface{ Scan(...any) error }) (*types.Folder, error) {
	var f types.Folder
	if err := row.Scan(&f.ID, &f.Path, &f.DisplayName, &f.Watched); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStorage) GetFolder(ctx context.Context, id string) (*types.Folder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

func (s *SQLiteStorage) GetFolderByPath(ctx context.Context, path string) (*types.Folder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE path = ?`, types.NormalizePath(path))
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

func (s *SQLiteStorage) ListFolders(ctx context.Context) ([]*types.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+folderColumns+` FROM folders ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*types.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (s *SQLiteStorage) SetWatched(ctx context.Context, id string, watched bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE folders SET watched = ?, updated_at = ? WHERE id = ?`,
		watched, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFolder removes the folder row; its records go with it through the
// foreign key cascade
func (s *SQLiteStorage) DeleteFolder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Record operations

// upsertRecordWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) upsertRecordWithQuerier(ctx context.Context, q querier, r *types.IndexedFileRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record %s: %w", r.Path, err)
	}
	if r.Filename == "" {
		r.Filename = filepath.Base(r.Path)
	}

	query := `
		INSERT INTO indexed_files (id, folder_id, path, filename, checksum, size, content_type,
		                           content, last_indexed, last_modified, processing_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, path) DO UPDATE SET
			id = excluded.id,
			filename = excluded.filename,
			checksum = excluded.checksum,
			size = excluded.size,
			content_type = excluded.content_type,
			content = excluded.content,
			last_indexed = excluded.last_indexed,
			last_modified = excluded.last_modified,
			processing_duration_ms = excluded.processing_duration_ms
	`
	var duration sql.NullInt64
	if r.ProcessingDurationMs != nil {
		duration = sql.NullInt64{Int64: *r.ProcessingDurationMs, Valid: true}
	}
	_, err := q.ExecContext(ctx, query,
		r.ID, r.FolderID, r.Path, r.Filename, nullString(r.Checksum), r.Size, nullString(r.ContentType),
		r.Content, toMillis(r.LastIndexed), toMillis(r.LastModified), duration)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", r.Path, err)
	}
	return nil
}

// WriteBatchTransactional upserts records in a single transaction
func (s *SQLiteStorage) WriteBatchTransactional(ctx context.Context, records []*types.IndexedFileRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if err := tx.UpsertRecord(ctx, r); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(records), nil
}

func (s *SQLiteStorage) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM indexed_files WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	return true, nil
}

const recordColumns = `id, folder_id, path, filename, checksum, size, content_type,
	content, last_indexed, last_modified, processing_duration_ms`

func scanRecord(row interface{ Scan(...any) error }) (*types.IndexedFileRecord, error) {
	var (
		r                         types.IndexedFileRecord
		checksum, contentType     sql.NullString
		lastIndexed, lastModified int64
		duration                  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.FolderID, &r.Path, &r.Filename, &checksum, &r.Size, &contentType,
		&r.Content, &lastIndexed, &lastModified, &duration)
	if err != nil {
		return nil, err
	}
	r.Checksum = checksum.String
	r.ContentType = contentType.String
	r.LastIndexed = fromMillis(lastIndexed)
	r.LastModified = fromMillis(lastModified)
	if duration.Valid {
		d := duration.Int64
		r.ProcessingDurationMs = &d
	}
	return &r, nil
}

func (s *SQLiteStorage) GetRecord(ctx context.Context, id string) (*types.IndexedFileRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM indexed_files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

func (s *SQLiteStorage) GetRecordByPath(ctx context.Context, folderID, path string) (*types.IndexedFileRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM indexed_files WHERE folder_id = ? AND path = ?`, folderID, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

func (s *SQLiteStorage) ListRecords(ctx context.Context, folderID string) ([]*types.IndexedFileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM indexed_files WHERE folder_id = ? ORDER BY path`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*types.IndexedFileRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) Checksums(ctx context.Context, folderID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, checksum FROM indexed_files WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checksums: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]string)
	for rows.Next() {
		var path string
		var sum sql.NullString
		if err := rows.Scan(&path, &sum); err != nil {
			return nil, err
		}
		sums[path] = sum.String
	}
	return sums, rows.Err()
}

// deleteByPathWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) deleteByPathWithQuerier(ctx context.Context, q querier, folderID, path string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM indexed_files WHERE folder_id = ? AND path = ?`, folderID, path)
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) DeleteByPath(ctx context.Context, folderID, path string) (bool, error) {
	return s.deleteByPathWithQuerier(ctx, s.querier(), folderID, path)
}

func (s *SQLiteStorage) DeleteUnderDir(ctx context.Context, folderID, dir string) (int, error) {
	prefix := strings.TrimRight(dir, string(filepath.Separator)) + string(filepath.Separator)
	// substr avoids LIKE wildcard escaping for paths containing % or _
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM indexed_files WHERE folder_id = ? AND substr(path, 1, ?) = ?`,
		folderID, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records under %s: %w", dir, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) DeleteAllForFolder(ctx context.Context, folderID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indexed_files WHERE folder_id = ?`, folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete folder records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearAll drops every indexed record but keeps the registered folders
func (s *SQLiteStorage) ClearAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indexed_files`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear index: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Maintenance operations

func (s *SQLiteStorage) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{BuildMode: BuildMode}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM indexed_files`).Scan(&stats.TotalFiles, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders`).Scan(&stats.TotalFolders); err != nil {
		return nil, fmt.Errorf("failed to count folders: %w", err)
	}

	// Calculate database size
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DatabaseSize = pageCount * pageSize
	}

	if v, err := SchemaVersion(ctx, s.db); err == nil {
		stats.SchemaVersion = v.String()
	}

	problems, err := s.integrityCheck(ctx, false)
	if err != nil {
		return nil, err
	}
	stats.IntegrityStatus = "ok"
	if len(problems) > 0 {
		stats.IntegrityStatus = problems[0]
	}
	return stats, nil
}

// integrityCheck runs quick_check, or integrity_check when thorough, and
// returns the reported problems
func (s *SQLiteStorage) integrityCheck(ctx context.Context, thorough bool) ([]string, error) {
	pragma := "PRAGMA quick_check"
	if thorough {
		pragma = "PRAGMA integrity_check"
	}
	rows, err := s.db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("failed to run integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	return problems, rows.Err()
}

func (s *SQLiteStorage) countOrphans(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM indexed_files WHERE folder_id NOT IN (SELECT id FROM folders)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orphan records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) CheckIntegrity(ctx context.Context, thorough bool) (*IntegrityReport, error) {
	problems, err := s.integrityCheck(ctx, thorough)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{Thorough: thorough, Problems: problems}

	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("failed to run foreign key check: %w", err)
	}
	for rows.Next() {
		report.ForeignKeyViolations++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if report.OrphanRecords, err = s.countOrphans(ctx); err != nil {
		return nil, err
	}

	report.OK = len(problems) == 0 && report.ForeignKeyViolations == 0 && report.OrphanRecords == 0
	return report, nil
}

// Repair removes records whose folder no longer exists and rebuilds indexes
func (s *SQLiteStorage) Repair(ctx context.Context) (*RepairReport, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM indexed_files WHERE folder_id NOT IN (SELECT id FROM folders)`)
	if err != nil {
		return nil, fmt.Errorf("failed to remove orphan records: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, "REINDEX"); err != nil {
		return nil, fmt.Errorf("failed to reindex: %w", err)
	}
	return &RepairReport{OrphansRemoved: int(removed), Reindexed: true}, nil
}

func (s *SQLiteStorage) Optimize(ctx context.Context) error {
	for _, stmt := range []string{"PRAGMA optimize", "ANALYZE", "VACUUM"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run %s: %w", stmt, err)
		}
	}
	return nil
}
