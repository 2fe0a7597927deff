package storage

import (
	"context"

	"github.com/dshills/folderindex/pkg/types"
)

// Store is the persistence contract the indexing pipeline writes through
type Store interface {
	// WriteBatchTransactional upserts every record in one transaction. Either
	// all records are written or none are.
	WriteBatchTransactional(ctx context.Context, records []*types.IndexedFileRecord) (int, error)
	Exists(ctx context.Context, id string) (bool, error)
	DeleteByPath(ctx context.Context, folderID, path string) (bool, error)
	// DeleteUnderDir removes every record of folderID located beneath dir
	DeleteUnderDir(ctx context.Context, folderID, dir string) (int, error)
	DeleteAllForFolder(ctx context.Context, folderID string) (int, error)
	ClearAll(ctx context.Context) (int, error)

	// Maintenance
	Stats(ctx context.Context) (*StoreStats, error)
	CheckIntegrity(ctx context.Context, thorough bool) (*IntegrityReport, error)
	Repair(ctx context.Context) (*RepairReport, error)
	Optimize(ctx context.Context) error
}

// Storage is the full store: the pipeline contract plus folder registry and
// record lookups
type Storage interface {
	Store

	// Folder operations
	CreateFolder(ctx context.Context, folder *types.Folder) error
	GetFolder(ctx context.Context, id string) (*types.Folder, error)
	GetFolderByPath(ctx context.Context, path string) (*types.Folder, error)
	ListFolders(ctx context.Context) ([]*types.Folder, error)
	SetWatched(ctx context.Context, id string, watched bool) error
	DeleteFolder(ctx context.Context, id string) error

	// Record operations
	GetRecord(ctx context.Context, id string) (*types.IndexedFileRecord, error)
	GetRecordByPath(ctx context.Context, folderID, path string) (*types.IndexedFileRecord, error)
	ListRecords(ctx context.Context, folderID string) ([]*types.IndexedFileRecord, error)
	// Checksums maps path to stored checksum for every record of folderID
	Checksums(ctx context.Context, folderID string) (map[string]string, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	UpsertRecord(ctx context.Context, record *types.IndexedFileRecord) error
	DeleteByPath(ctx context.Context, folderID, path string) (bool, error)
}

// StoreStats aggregates the whole database
type StoreStats struct {
	TotalFiles      int64  `json:"totalFiles"`
	TotalFolders    int64  `json:"totalFolders"`
	TotalSize       int64  `json:"totalSize"`
	DatabaseSize    int64  `json:"databaseSize"`
	IntegrityStatus string `json:"integrityStatus"`
	SchemaVersion   string `json:"schemaVersion"`
	BuildMode       string `json:"buildMode"`
}

// IntegrityReport is the result of CheckIntegrity
type IntegrityReport struct {
	OK                   bool     `json:"ok"`
	Thorough             bool     `json:"thorough"`
	Problems             []string `json:"problems,omitempty"`
	ForeignKeyViolations int      `json:"foreignKeyViolations"`
	OrphanRecords        int      `json:"orphanRecords"`
}

// RepairReport is the result of Repair
type RepairReport struct {
	OrphansRemoved int  `json:"orphansRemoved"`
	Reindexed      bool `json:"reindexed"`
}
