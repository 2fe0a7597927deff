package mcp

import (
	"context"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/folderindex/internal/workspace"
)

const (
	// ServerName is the MCP server name
	ServerName = "folderindex"
)

// toolDef pairs a tool definition with its handler
type toolDef struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

// Server exposes a workspace as MCP tools
type Server struct {
	mcp *server.MCPServer
	ws  *workspace.Workspace
	log hclog.Logger
}

// NewServer creates an MCP server over ws. The caller owns ws.
func NewServer(ws *workspace.Workspace, version string, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Server{
		mcp: server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		ws:  ws,
		log: log.Named("mcp"),
	}
	s.registerTools()
	return s
}

// Serve answers MCP requests on in/out until ctx ends or in is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info("serving MCP on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) tools() []toolDef {
	return []toolDef{
		{addFolderTool(), s.handleAddFolder},
		{removeFolderTool(), s.handleRemoveFolder},
		{listFoldersTool(), s.handleListFolders},
		{indexFolderTool(), s.handleIndexFolder},
		{indexAllTool(), s.handleIndexAll},
		{cancelIndexingTool(), s.handleCancelIndexing},
		{startWatchingTool(), s.handleStartWatching},
		{stopWatchingTool(), s.handleStopWatching},
		{getStatusTool(), s.handleGetStatus},
		{listErrorsTool(), s.handleListErrors},
		{clearErrorsTool(), s.handleClearErrors},
		{clearIndexTool(), s.handleClearIndex},
		{checkIntegrityTool(), s.handleCheckIntegrity},
		{repairIndexTool(), s.handleRepairIndex},
		{optimizeIndexTool(), s.handleOptimizeIndex},
	}
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	for _, def := range s.tools() {
		s.mcp.AddTool(def.tool, def.handler)
	}
}
