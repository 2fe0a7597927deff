package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/internal/workspace"
	"github.com/dshills/folderindex/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	workers    int

	settings config.Settings
	logger   hclog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "folderindex",
	Short: "Index local folders into SQLite and keep them current",
	Long: `folderindex walks registered folders, extracts the content of every
accepted file and persists it to a SQLite index. Watched folders are kept
current as files change.

Run "folderindex serve" to expose the index to MCP clients on stdio.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		settings, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			settings.DBPath = dbPath
		}
		if logLevel != "" {
			settings.LogLevel = logLevel
		}
		if workers > 0 {
			settings.Workers = workers
		}
		// stdout is reserved for MCP and command output
		logger = settings.NewLogger("folderindex", os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML settings file (default $"+config.EnvPrefix+"CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "index database path (default "+config.DefaultDBPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "worker pool size (default: number of CPUs)")

	rootCmd.AddCommand(serveCmd, indexCmd, watchCmd, statusCmd, errorsCmd,
		checkCmd, repairCmd, optimizeCmd, clearCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openWorkspace opens the workspace described by the loaded settings
func openWorkspace(ctx context.Context, m *metrics.Metrics) (*workspace.Workspace, error) {
	ws, err := workspace.Open(ctx, settings, workspace.WithLogger(logger), workspace.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	return ws, nil
}

// ensureFolder returns the folder registered at path, adding it first if needed
func ensureFolder(ctx context.Context, ws *workspace.Workspace, path string) (*types.Folder, error) {
	folder, err := ws.FolderByPath(ctx, absPath(path))
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return ws.AddFolder(ctx, path, "")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("folderindex\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
	},
}
