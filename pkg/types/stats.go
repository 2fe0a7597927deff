package types

// IndexStatus is the indexing state of a folder
type IndexStatus string

const (
	StatusNotIndexed IndexStatus = "not_indexed"
	StatusIndexing   IndexStatus = "indexing"
	StatusIndexed    IndexStatus = "indexed"
	StatusStopped    IndexStatus = "stopped"
)

// FolderStats holds the live counters for one folder
type FolderStats struct {
	IndexedFiles int         `json:"indexedFiles"`
	TotalFiles   int         `json:"totalFiles"`
	FilesInQueue int         `json:"filesInQueue"`
	FailedFiles  int         `json:"failedFiles"`
	Progress     int         `json:"progress"`
	Status       IndexStatus `json:"status"`
	CurrentFile  string      `json:"currentFile,omitempty"`
}

// ProgressEvent is the update published to progress subscribers
type ProgressEvent struct {
	FolderID     string      `json:"folderId"`
	FolderPath   string      `json:"folderPath"`
	IndexedFiles int         `json:"indexedFiles"`
	TotalFiles   int         `json:"totalFiles"`
	FilesInQueue int         `json:"filesInQueue"`
	Progress     int         `json:"progress"`
	Status       IndexStatus `json:"status"`
	CurrentFile  string      `json:"currentFile,omitempty"`
	ErrorCount   int         `json:"errorCount,omitempty"`
}
