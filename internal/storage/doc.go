// Package storage provides SQLite-based persistence for indexed files.
//
// The storage layer manages:
//   - Registered folders and their watch flag
//   - One record per indexed file, unique by (folder, path)
//   - Maintenance: statistics, integrity checks, repair and optimize
//
// # Database Schema
//
// Tables:
//   - folders: registered root directories
//   - indexed_files: file records; deleted with their folder (ON DELETE CASCADE)
//   - schema_version: applied migrations, ordered by semantic version
//
// Timestamps are stored as unix milliseconds so both drivers read them back
// identically.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("~/.folderindex/index.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.CreateFolder(ctx, &types.Folder{ID: id, Path: "/home/dev/notes"})
//
// # Batches
//
// WriteBatchTransactional is the write path of the indexer. A batch is one
// transaction: either every record lands or none does. There is no
// transaction spanning batches.
//
//	n, err := db.WriteBatchTransactional(ctx, records)
//
// Lower-level work can use a transaction directly:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	_ = tx.UpsertRecord(ctx, rec)
//	_, _ = tx.DeleteByPath(ctx, folderID, stalePath)
//
//	if err := tx.Commit(); err != nil {
//	    return err
//	}
//
// # Maintenance
//
// CheckIntegrity reports problems and never fixes them. Repair and Optimize
// run only when a caller asks for them.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with
// -tags sqlite_cgo switches to github.com/mattn/go-sqlite3.
package storage
