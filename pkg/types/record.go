package types

import (
	"time"

	"github.com/google/uuid"
)

// recordNamespace scopes the deterministic record IDs.
var recordNamespace = uuid.MustParse("5b1f0c3e-8e7a-4d36-9a61-0f2d9c4b7e10")

// IndexedFileRecord is the persisted result of processing one file
type IndexedFileRecord struct {
	ID                   string    `json:"id"`
	FolderID             string    `json:"folderId"`
	Path                 string    `json:"path"`
	Filename             string    `json:"filename"`
	Checksum             string    `json:"checksum,omitempty"`
	Size                 int64     `json:"size"`
	ContentType          string    `json:"contentType,omitempty"`
	Content              string    `json:"content"`
	LastIndexed          time.Time `json:"lastIndexed"`
	LastModified         time.Time `json:"lastModified"`
	ProcessingDurationMs *int64    `json:"processingDurationMs,omitempty"`
}

// RecordID returns the stable record ID for a file within a folder.
func RecordID(folderID, path string) string {
	return uuid.NewSHA1(recordNamespace, []byte(folderID+"\x00"+path)).String()
}

// Validate checks the record's identity fields
func (r *IndexedFileRecord) Validate() error {
	if r.ID == "" {
		return ErrMissingRecordID
	}
	if r.FolderID == "" {
		return ErrMissingFolderID
	}
	if r.Path == "" {
		return ErrMissingPath
	}
	if r.Size < 0 {
		return ErrNegativeSize
	}
	return nil
}
