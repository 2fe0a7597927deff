package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/dshills/folderindex/internal/indexer"
)

func absPath(path string) string {
	if expanded, err := homedir.Expand(path); err == nil {
		path = expanded
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printStatistics(path string, stats *indexer.Statistics) {
	state := "done"
	if stats.Cancelled {
		state = "cancelled"
	}
	fmt.Printf("%s: %s, %s found, %s indexed, %s unchanged, %s failed, %s removed in %s\n",
		path, state,
		humanize.Comma(int64(stats.FilesFound)),
		humanize.Comma(int64(stats.FilesIndexed)),
		humanize.Comma(int64(stats.FilesUnchanged)),
		humanize.Comma(int64(stats.FilesFailed)),
		humanize.Comma(int64(stats.FilesRemoved)),
		stats.Duration.Round(time.Millisecond))
}

var indexCmd = &cobra.Command{
	Use:   "index [path...]",
	Short: "Index the given folders, registering them first, or every registered folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		if len(args) == 0 {
			results, err := ws.IndexAllSync(ctx)
			folders, lerr := ws.ListFolders(context.Background())
			if lerr != nil {
				return lerr
			}
			for _, f := range folders {
				if stats, ok := results[f.ID]; ok {
					printStatistics(f.Path, stats)
				}
			}
			return err
		}

		for _, path := range args {
			folder, err := ensureFolder(ctx, ws, path)
			if err != nil {
				return err
			}
			stats, err := ws.IndexFolderSync(ctx, folder.ID)
			if err != nil {
				return err
			}
			printStatistics(folder.Path, stats)
			if stats.Cancelled {
				break
			}
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <path>...",
	Short: "Index folders and keep them current until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		for _, path := range args {
			folder, err := ensureFolder(ctx, ws, path)
			if err != nil {
				return err
			}
			stats, err := ws.IndexFolderSync(ctx, folder.ID)
			if err != nil {
				return err
			}
			printStatistics(folder.Path, stats)
			if err := ws.StartWatching(ctx, folder.ID); err != nil {
				return err
			}
			fmt.Printf("watching %s\n", folder.Path)
		}

		sub := ws.Subscribe(0)
		defer sub.Close()
		go func() {
			for ev := range sub.C {
				logger.Debug("progress", "folder", ev.FolderPath, "status", ev.Status,
					"indexed", ev.IndexedFiles, "total", ev.TotalFiles)
			}
		}()

		return ws.Run(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registered folders and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		folders, err := ws.ListFolders(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPATH\tSTATUS\tFILES\tWATCHED\tERRORS")
		for _, f := range folders {
			ev, _ := ws.FolderStats(f.ID)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\n",
				f.ID, f.Path, ev.Status, humanize.Comma(int64(ev.IndexedFiles)), f.Watched, ev.ErrorCount)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		st, err := ws.StoreStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s files in %s folders, %s of content, database %s (schema %s, %s build)\n",
			humanize.Comma(st.TotalFiles), humanize.Comma(st.TotalFolders),
			humanize.Bytes(uint64(st.TotalSize)), humanize.Bytes(uint64(st.DatabaseSize)),
			st.SchemaVersion, st.BuildMode)
		return nil
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors [path]",
	Short: "Index folders and report the errors encountered",
	Long: `Errors are aggregated in memory, so this command indexes the given
folder (or every folder) and then lists what failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		folderPath := ""
		if len(args) == 1 {
			folder, err := ws.FolderByPath(ctx, absPath(args[0]))
			if err != nil {
				return err
			}
			folderPath = folder.Path
			if _, err := ws.IndexFolderSync(ctx, folder.ID); err != nil {
				return err
			}
		} else if _, err := ws.IndexAllSync(ctx); err != nil {
			return err
		}

		records := ws.Errors(folderPath)
		sort.SliceStable(records, func(i, j int) bool { return records[i].FilePath < records[j].FilePath })
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tSEVERITY\tCOUNT\tFILE\tMESSAGE")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", rec.Type, rec.Severity, rec.Occurrences, rec.FilePath, rec.Message)
		}
		return tw.Flush()
	},
}

var thorough bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the index database; never repairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		report, err := ws.CheckIntegrity(ctx, thorough)
		if err != nil {
			return err
		}
		if report.OK {
			fmt.Println("ok")
			return nil
		}
		for _, p := range report.Problems {
			fmt.Println(p)
		}
		fmt.Printf("%d foreign key violations, %d orphan records\n", report.ForeignKeyViolations, report.OrphanRecords)
		return fmt.Errorf("integrity check failed; run \"folderindex repair\"")
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Remove orphaned records and rebuild database indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		report, err := ws.Repair(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d orphan records, reindexed: %t\n", report.OrphansRemoved, report.Reindexed)
		return nil
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compact the index database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		before, err := ws.StoreStats(ctx)
		if err != nil {
			return err
		}
		if err := ws.Optimize(ctx); err != nil {
			return err
		}
		after, err := ws.StoreStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("database %s -> %s\n", humanize.Bytes(uint64(before.DatabaseSize)), humanize.Bytes(uint64(after.DatabaseSize)))
		return nil
	},
}

var confirmClear bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every indexed record; folders stay registered",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmClear {
			return fmt.Errorf("refusing to clear the index without --yes")
		}
		ctx := cmd.Context()
		ws, err := openWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		n, err := ws.ClearAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %s records\n", humanize.Comma(int64(n)))
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&thorough, "thorough", false, "run a full integrity check")
	clearCmd.Flags().BoolVarP(&confirmClear, "yes", "y", false, "confirm deleting every record")
}
