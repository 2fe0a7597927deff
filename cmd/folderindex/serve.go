package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/dshills/folderindex/internal/httpapi"
	"github.com/dshills/folderindex/internal/mcp"
	"github.com/dshills/folderindex/internal/metrics"
)

var httpAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP on stdio, resume watched folders and expose status over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := metrics.New()
		ws, err := openWorkspace(cmd.Context(), m)
		if err != nil {
			return err
		}
		defer func() { _ = ws.Close() }()

		logger.Info("folderindex starting", "version", version,
			"db", settings.DBPath, "workers", settings.Workers)

		var g run.Group

		{
			ctx, cancel := context.WithCancel(context.Background())
			server := mcp.NewServer(ws, version, logger)
			g.Add(func() error {
				return server.Serve(ctx, os.Stdin, os.Stdout)
			}, func(error) {
				cancel()
			})
		}

		{
			ctx, cancel := context.WithCancel(context.Background())
			g.Add(func() error {
				return ws.Run(ctx)
			}, func(error) {
				cancel()
			})
		}

		addr := httpAddr
		if addr == "" {
			addr = settings.MetricsAddr
		}
		if addr != "" {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Handler:           httpapi.NewRouter(ws, m.Handler(), logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Add(func() error {
				logger.Info("serving HTTP", "addr", ln.Addr().String())
				if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}, func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			})
		}

		g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

		err = g.Run()
		var sig run.SignalError
		if errors.As(err, &sig) {
			logger.Info("shutting down", "signal", sig.Signal.String())
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "http", "", "status and metrics listen address (default metrics_addr setting; empty disables)")
}
