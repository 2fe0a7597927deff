package types

import "time"

// ChangeType is the kind of filesystem mutation observed by a watcher
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// FileChangeEvent is a single observed mutation. FolderID is empty until the
// change aggregator resolves the owning folder.
type FileChangeEvent struct {
	Path      string     `json:"path"`
	Type      ChangeType `json:"type"`
	FolderID  string     `json:"folderId,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// TaskType selects one of the statically compiled worker handlers
type TaskType int

const (
	// TaskExtract reads a file, hashes it and extracts its content
	TaskExtract TaskType = iota
	// TaskHash computes the checksum of a file without extracting content
	TaskHash
)

func (t TaskType) String() string {
	switch t {
	case TaskExtract:
		return "extract"
	case TaskHash:
		return "hash"
	default:
		return "unknown"
	}
}
