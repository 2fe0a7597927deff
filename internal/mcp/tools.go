package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/folderindex/internal/indexer"
	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/internal/workspace"
	"github.com/dshills/folderindex/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeFolderNotFound     = -32001 // Folder is not registered
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeFolderExists       = -32003 // Folder is already registered
	ErrorCodeNotConfirmed       = -32004 // Destructive operation without confirm
)

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// resolveFolder looks up the "folder" argument by path when it looks like
// one, by id otherwise
func (s *Server) resolveFolder(ctx context.Context, args map[string]interface{}) (*types.Folder, error) {
	ref := getStringDefault(args, "folder", "")
	if ref == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "folder parameter is required", map[string]interface{}{
			"param":  "folder",
			"reason": "missing or empty",
		})
	}

	var (
		folder *types.Folder
		err    error
	)
	if filepath.IsAbs(ref) || strings.HasPrefix(ref, "~") {
		folder, err = s.ws.FolderByPath(ctx, ref)
	} else {
		folder, err = s.ws.Folder(ctx, ref)
	}
	if err != nil {
		return nil, toMCPError("folder lookup failed", err)
	}
	return folder, nil
}

// optionalFolder resolves "folder" when present. The empty path means all.
func (s *Server) optionalFolder(ctx context.Context, args map[string]interface{}) (string, error) {
	if getStringDefault(args, "folder", "") == "" {
		return "", nil
	}
	folder, err := s.resolveFolder(ctx, args)
	if err != nil {
		return "", err
	}
	return folder.Path, nil
}

func (s *Server) handleAddFolder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	folder, err := s.ws.AddFolder(ctx, path, getStringDefault(args, "name", ""))
	if err != nil {
		return nil, toMCPError("failed to add folder", err)
	}

	response := map[string]interface{}{
		"folder":   folder,
		"indexing": false,
		"watching": false,
	}
	if getBoolDefault(args, "watch", false) {
		if err := s.ws.StartWatching(ctx, folder.ID); err != nil {
			return nil, toMCPError("failed to start watching", err)
		}
		response["watching"] = true
	}
	if getBoolDefault(args, "index", false) {
		if err := s.ws.IndexFolder(ctx, folder.ID); err != nil {
			return nil, toMCPError("failed to start indexing", err)
		}
		response["indexing"] = true
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleRemoveFolder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	folder, err := s.resolveFolder(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := s.ws.RemoveFolder(ctx, folder.ID); err != nil {
		return nil, toMCPError("failed to remove folder", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"removed": true,
		"id":      folder.ID,
		"path":    folder.Path,
	})), nil
}

func (s *Server) handleListFolders(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folders, err := s.ws.ListFolders(ctx)
	if err != nil {
		return nil, toMCPError("failed to list folders", err)
	}

	entries := make([]map[string]interface{}, 0, len(folders))
	for _, f := range folders {
		entry := map[string]interface{}{
			"id":       f.ID,
			"path":     f.Path,
			"name":     f.DisplayName,
			"watched":  f.Watched,
			"watching": s.ws.IsWatching(f.Path),
		}
		if ev, ok := s.ws.FolderStats(f.ID); ok {
			entry["status"] = ev.Status
			entry["progress"] = ev.Progress
			entry["indexedFiles"] = ev.IndexedFiles
			entry["totalFiles"] = ev.TotalFiles
		}
		entries = append(entries, entry)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"folders": entries,
		"count":   len(entries),
	})), nil
}

func (s *Server) handleIndexFolder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	folder, err := s.resolveFolder(ctx, args)
	if err != nil {
		return nil, err
	}

	if !getBoolDefault(args, "wait", false) {
		if err := s.ws.IndexFolder(ctx, folder.ID); err != nil {
			return nil, toMCPError("failed to start indexing", err)
		}
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"started": true,
			"id":      folder.ID,
		})), nil
	}

	stats, err := s.ws.IndexFolderSync(ctx, folder.ID)
	if err != nil {
		return nil, toMCPError("indexing failed", err)
	}
	return mcp.NewToolResultText(formatJSON(statisticsResponse(stats))), nil
}

func statisticsResponse(stats *indexer.Statistics) map[string]interface{} {
	return map[string]interface{}{
		"id":              stats.FolderID,
		"files_found":     stats.FilesFound,
		"files_indexed":   stats.FilesIndexed,
		"files_unchanged": stats.FilesUnchanged,
		"files_failed":    stats.FilesFailed,
		"files_removed":   stats.FilesRemoved,
		"unverified":      stats.Unverified,
		"cancelled":       stats.Cancelled,
		"duration_ms":     stats.Duration.Milliseconds(),
	}
}

func (s *Server) handleIndexAll(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	if !getBoolDefault(args, "wait", false) {
		if err := s.ws.IndexAll(ctx); err != nil {
			return nil, toMCPError("failed to start indexing", err)
		}
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{"started": true})), nil
	}

	results, err := s.ws.IndexAllSync(ctx)
	response := map[string]interface{}{}
	folders := make([]map[string]interface{}, 0, len(results))
	for _, stats := range results {
		folders = append(folders, statisticsResponse(stats))
	}
	response["folders"] = folders
	if err != nil {
		// partial results still go back; the failures ride along
		response["error"] = err.Error()
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleCancelIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	folder, err := s.resolveFolder(ctx, args)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"id":        folder.ID,
		"cancelled": s.ws.CancelIndexing(folder.ID),
	})), nil
}

func (s *Server) handleStartWatching(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	folder, err := s.resolveFolder(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := s.ws.StartWatching(ctx, folder.ID); err != nil {
		return nil, toMCPError("failed to start watching", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"id":       folder.ID,
		"watching": true,
	})), nil
}

func (s *Server) handleStopWatching(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	folder, err := s.resolveFolder(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := s.ws.StopWatching(ctx, folder.ID); err != nil {
		return nil, toMCPError("failed to stop watching", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"id":       folder.ID,
		"watching": false,
	})), nil
}

// handleGetStatus reports one folder, or every folder plus pool and store
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	if getStringDefault(args, "folder", "") != "" {
		folder, err := s.resolveFolder(ctx, args)
		if err != nil {
			return nil, err
		}
		ev, _ := s.ws.FolderStats(folder.ID)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"folder":   ev,
			"indexing": s.ws.IsIndexing(folder.ID),
			"watching": s.ws.IsWatching(folder.Path),
		})), nil
	}

	storeStats, err := s.ws.StoreStats(ctx)
	if err != nil {
		return nil, toMCPError("failed to get store statistics", err)
	}
	pool := s.ws.PoolStats()
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"folders": s.ws.AllStats(),
		"pool": map[string]interface{}{
			"workers":  pool.Workers,
			"idle":     pool.Idle,
			"busy":     pool.Busy,
			"retiring": pool.Retiring,
			"queued":   pool.Queued,
		},
		"store": storeStats,
	})), nil
}

func (s *Server) handleListErrors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	limit := getIntDefault(args, "limit", 50)
	if limit < 1 || limit > 500 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 500", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	folderPath, err := s.optionalFolder(ctx, args)
	if err != nil {
		return nil, err
	}

	records := s.ws.Errors(folderPath)
	total := len(records)
	if total > limit {
		records = records[:limit]
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"errors": records,
		"total":  total,
	})), nil
}

func (s *Server) handleClearErrors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	folderPath, err := s.optionalFolder(ctx, args)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"cleared": s.ws.ClearErrors(folderPath),
	})), nil
}

func (s *Server) handleClearIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	if !getBoolDefault(args, "confirm", false) {
		return nil, newMCPError(ErrorCodeNotConfirmed, "clear_index requires confirm=true", map[string]interface{}{
			"param": "confirm",
		})
	}

	n, err := s.ws.ClearAll(ctx)
	if err != nil {
		return nil, toMCPError("failed to clear index", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"records_deleted": n,
	})), nil
}

func (s *Server) handleCheckIntegrity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	report, err := s.ws.CheckIntegrity(ctx, getBoolDefault(args, "thorough", false))
	if err != nil {
		return nil, toMCPError("integrity check failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"ok":                     report.OK,
		"thorough":               report.Thorough,
		"problems":               report.Problems,
		"foreign_key_violations": report.ForeignKeyViolations,
		"orphan_records":         report.OrphanRecords,
	})), nil
}

func (s *Server) handleRepairIndex(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.ws.Repair(ctx)
	if err != nil {
		return nil, toMCPError("repair failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"orphans_removed": report.OrphansRemoved,
		"reindexed":       report.Reindexed,
	})), nil
}

func (s *Server) handleOptimizeIndex(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.ws.Optimize(ctx); err != nil {
		return nil, toMCPError("optimize failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"optimized": true})), nil
}

// Helper functions

// toMCPError maps engine errors onto MCP error codes
func toMCPError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newMCPError(ErrorCodeFolderNotFound, "folder not found", data)
	case errors.Is(err, storage.ErrAlreadyExists):
		return newMCPError(ErrorCodeFolderExists, "folder already registered", data)
	case errors.Is(err, indexer.ErrAlreadyIndexing):
		return newMCPError(ErrorCodeIndexingInProgress, "indexing already in progress", data)
	case errors.Is(err, workspace.ErrNotDirectory), errors.Is(err, fs.ErrNotExist):
		return newMCPError(ErrorCodeInvalidParams, "invalid path", data)
	default:
		return newMCPError(ErrorCodeInternalError, message, data)
	}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
