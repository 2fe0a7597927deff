package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/folderindex/internal/fsys"
	"github.com/dshills/folderindex/internal/workerpool"
	"github.com/dshills/folderindex/pkg/types"
)

// ErrNotRegularFile is returned when a task targets a directory
var ErrNotRegularFile = errors.New("not a regular file")

// ExtractRequest is the payload of a TaskExtract task
type ExtractRequest struct {
	FolderID string
	Path     string
	// KnownChecksum is the stored checksum, if any. A match yields an
	// unchanged Extraction without a record.
	KnownChecksum string
}

// Extraction is the result of a TaskExtract task
type Extraction struct {
	Record    *types.IndexedFileRecord
	Checksum  string
	Unchanged bool
}

// Handlers returns the worker handlers for every task type
func Handlers(fs fsys.FileSystem) map[types.TaskType]workerpool.Handler {
	return map[types.TaskType]workerpool.Handler{
		types.TaskExtract: func(ctx context.Context, payload any) (any, error) {
			req, ok := payload.(ExtractRequest)
			if !ok {
				return nil, fmt.Errorf("extract: unexpected payload %T", payload)
			}
			return extractFile(ctx, fs, req)
		},
		types.TaskHash: func(ctx context.Context, payload any) (any, error) {
			path, ok := payload.(string)
			if !ok {
				return nil, fmt.Errorf("hash: unexpected payload %T", payload)
			}
			return hashFile(ctx, fs, path)
		},
	}
}

// computeChecksum returns the hex SHA-256 of data
func computeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(ctx context.Context, fs fsys.FileSystem, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return "", err
	}
	return computeChecksum(data), nil
}

func extractFile(ctx context.Context, fs fsys.FileSystem, req ExtractRequest) (*Extraction, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := fs.Stat(req.Path)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, fmt.Errorf("%s: %w", req.Path, ErrNotRegularFile)
	}

	data, err := fs.ReadFile(req.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checksum := computeChecksum(data)
	if req.KnownChecksum != "" && req.KnownChecksum == checksum {
		return &Extraction{Checksum: checksum, Unchanged: true}, nil
	}

	contentType, content := detectContent(data)
	elapsed := time.Since(start).Milliseconds()
	rec := &types.IndexedFileRecord{
		ID:                   types.RecordID(req.FolderID, req.Path),
		FolderID:             req.FolderID,
		Path:                 req.Path,
		Filename:             filepath.Base(req.Path),
		Checksum:             checksum,
		Size:                 int64(len(data)),
		ContentType:          contentType,
		Content:              content,
		LastIndexed:          time.Now(),
		LastModified:         info.ModTime,
		ProcessingDurationMs: &elapsed,
	}
	return &Extraction{Record: rec, Checksum: checksum}, nil
}

// detectContent sniffs the MIME type and keeps the text of text files only
func detectContent(data []byte) (string, string) {
	if len(data) == 0 {
		return "text/plain; charset=utf-8", ""
	}
	contentType := http.DetectContentType(data)
	if !isTextMimeType(contentType) || !utf8.Valid(data) {
		return contentType, ""
	}
	return contentType, string(data)
}

func isTextMimeType(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") ||
		strings.HasPrefix(mimeType, "application/json") ||
		strings.HasPrefix(mimeType, "application/xml") ||
		strings.Contains(mimeType, "javascript")
}
