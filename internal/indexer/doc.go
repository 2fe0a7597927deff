// Package indexer coordinates the end-to-end indexing pipeline for registered
// folders.
//
// The indexer composes the walker, the worker pool, the persistence gateway
// and the progress tracker into folder-level and workspace-level operations,
// plus the incremental entry point fed by the change aggregator.
//
// # Basic Usage
//
//	pool := workerpool.New(poolCfg, indexer.Handlers(fsys.NewOS()))
//	idx := indexer.New(indexer.Deps{
//	    FS:      fsys.NewOS(),
//	    Filter:  filter,
//	    Pool:    pool,
//	    Gateway: gateway,
//	    Catalog: store,
//	    Tracker: tracker,
//	    Errors:  errs,
//	}, indexer.ConfigFromSettings(settings))
//
//	stats, err := idx.IndexFolder(ctx, folder, cancel.New())
//
//	fmt.Printf("Indexed %d files in %v\n", stats.FilesIndexed, stats.Duration)
//
// # Indexing Pipeline
//
//  1. Discovery: drain the walker into a list, then size batches from it
//  2. Submit: one goroutine submits a TaskExtract per file, bounded by InFlight
//  3. Collect: futures are awaited in submission order and grouped into batches
//  4. Save: each full batch is one gateway transaction
//  5. Cleanup: records for files no longer on disk are deleted
//
// # Incremental Indexing
//
// File change detection uses SHA-256 content hashing. The stored checksums
// of a folder ride along with each extract request; a worker that computes
// the same checksum returns an unchanged result and nothing is written.
// Unchanged files still count as indexed. Force a full re-write with:
//
//	cfg.Force = true
//
// # Cancellation
//
// Every run holds its own token derived from the caller's, so CancelFolder
// stops one folder while IndexAllFolders siblings continue. The token is
// checked by the walker, before each submit, by the pool before dispatch and
// before each batch save. A cancelled run ends with status Stopped; records
// already saved stay.
//
// # Change Batches
//
// ApplyChangeBatch dedupes events by path (last one wins). Removals delete
// the file record, or every record beneath a removed directory. Adds and
// modifies are filtered, modified files already stored are hashed first
// (TaskHash) and skipped when unchanged, and the rest are extracted and saved
// as one batch.
package indexer
