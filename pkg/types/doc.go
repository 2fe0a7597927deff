// Package types provides shared type definitions for the folderindex engine.
//
// This package defines domain types used across multiple components:
// registered folders, indexed file records, filesystem change events,
// per-folder statistics and classified error records.
//
// # Core Types
//
// Folder is a user-registered root directory subject to indexing and/or
// watching:
//
//	folder := &types.Folder{
//	    ID:          uuid.NewString(),
//	    Path:        "/home/dev/notes",
//	    DisplayName: "notes",
//	}
//
// IndexedFileRecord is the persisted result of processing one file. Its ID is
// derived from (folder ID, path) so re-indexing a file always targets the same
// row:
//
//	rec := &types.IndexedFileRecord{
//	    ID:       types.RecordID(folder.ID, path),
//	    FolderID: folder.ID,
//	    Path:     path,
//	}
//
// # Statistics
//
// FolderStats carries the live counters for one folder. Progress is computed
// by the progress package and never reaches 100 while files are still queued.
//
// # Errors
//
// ErrorRecord is the aggregated, classified form of a failure. Records are
// keyed by (type, folder path, message prefix) so repeated identical failures
// increment Occurrences instead of creating duplicates.
package types
