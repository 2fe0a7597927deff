// Package mcp implements the Model Context Protocol (MCP) server for folderindex.
//
// The server exposes the workspace commands as tools an AI assistant can call:
//
//   - add_folder, remove_folder, list_folders: folder registration
//   - index_folder, index_all, cancel_indexing: indexing runs
//   - start_watching, stop_watching: keep an index current as files change
//   - get_status, list_errors, clear_errors: progress and failures
//   - clear_index, check_integrity, repair_index, optimize_index: maintenance
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol messages only; logs go to stderr.
//
// # Basic Usage
//
//	folderindex serve
//
// # Folder Arguments
//
// Tools that act on one folder take a "folder" argument. An absolute path
// (or one starting with ~) is looked up by path, anything else by id:
//
//	{
//	  "name": "index_folder",
//	  "arguments": {"folder": "/home/me/notes", "wait": true}
//	}
//
// index_folder and index_all start a background run and return at once
// unless "wait" is true, in which case the run's statistics come back:
//
//	{
//	  "id": "5b0c...",
//	  "files_found": 120,
//	  "files_indexed": 118,
//	  "files_unchanged": 0,
//	  "files_failed": 2,
//	  "files_removed": 0,
//	  "cancelled": false,
//	  "duration_ms": 840
//	}
//
// # Error Codes
//
// Failures are returned as *MCPError:
//
//	-32602: Invalid parameters (missing folder, bad path, limit out of range)
//	-32603: Internal error
//	-32001: Folder not found
//	-32002: Indexing already in progress
//	-32003: Folder already registered
//	-32004: Destructive operation not confirmed
//
// # Progress
//
// get_status without a folder returns every folder's progress event
// together with worker pool and store statistics. Progress is an integer
// percentage that stays below 100 while files are queued.
package mcp
