package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// folderProperty is the shared "folder" argument: an id or a registered path
func folderProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description + " (folder id or absolute path)",
	}
}

func waitProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "boolean",
		"description": "If true, block until indexing finishes and return its statistics",
		"default":     false,
	}
}

func noArgs(name, description string) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// addFolderTool returns the tool definition for add_folder
func addFolderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "add_folder",
		Description: "Register a local directory for indexing",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory to register; ~ is expanded",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Display name (defaults to the directory name)",
				},
				"index": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, start indexing the folder right away",
					"default":     false,
				},
				"watch": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, start watching the folder for changes",
					"default":     false,
				},
			},
			Required: []string{"path"},
		},
	}
}

func removeFolderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "remove_folder",
		Description: "Unregister a folder and delete its indexed records",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to remove"),
			},
			Required: []string{"folder"},
		},
	}
}

func listFoldersTool() mcp.Tool {
	return noArgs("list_folders", "List registered folders with their indexing progress")
}

// indexFolderTool returns the tool definition for index_folder
func indexFolderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_folder",
		Description: "Index one folder. Unchanged files are skipped and deleted files are dropped from the index.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to index"),
				"wait":   waitProperty(),
			},
			Required: []string{"folder"},
		},
	}
}

func indexAllTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_all",
		Description: "Index every registered folder",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"wait": waitProperty(),
			},
		},
	}
}

func cancelIndexingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "cancel_indexing",
		Description: "Cancel the indexing run of a folder",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder whose run to cancel"),
			},
			Required: []string{"folder"},
		},
	}
}

func startWatchingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "start_watching",
		Description: "Watch a folder and keep its index current as files change",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to watch"),
			},
			Required: []string{"folder"},
		},
	}
}

func stopWatchingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "stop_watching",
		Description: "Stop watching a folder",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to stop watching"),
			},
			Required: []string{"folder"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Get indexing progress for one folder, or for all folders with pool and store statistics",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to report on; omit for all"),
			},
		},
	}
}

func listErrorsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_errors",
		Description: "List aggregated indexing errors, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to filter by; omit for all"),
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of errors to return (1-500)",
					"default":     50,
					"minimum":     1,
					"maximum":     500,
				},
			},
		},
	}
}

func clearErrorsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "clear_errors",
		Description: "Clear aggregated errors",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"folder": folderProperty("Folder to clear; omit for all"),
			},
		},
	}
}

func clearIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "clear_index",
		Description: "Delete every indexed record. Folders stay registered.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"confirm": map[string]interface{}{
					"type":        "boolean",
					"description": "Must be true",
				},
			},
			Required: []string{"confirm"},
		},
	}
}

func checkIntegrityTool() mcp.Tool {
	return mcp.Tool{
		Name:        "check_integrity",
		Description: "Check the index database for corruption and orphaned records. Never repairs.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"thorough": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, run a full integrity check instead of a quick one",
					"default":     false,
				},
			},
		},
	}
}

func repairIndexTool() mcp.Tool {
	return noArgs("repair_index", "Remove orphaned records and rebuild database indexes")
}

func optimizeIndexTool() mcp.Tool {
	return noArgs("optimize_index", "Compact the index database")
}
