package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"tablesync/server"
	"tablesync/store"
)

type serveOptions struct {
	addr       string
	dbPath     string
	categories string
	logFile    string
	debug      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tablesync",
		Short:        "Real-time game-state synchronization server",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP + WebSocket sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "server listen address, e.g. :8080")
	cmd.Flags().StringVar(&opts.dbPath, "db", "tablesync.db", "SQLite database path")
	cmd.Flags().StringVar(&opts.categories, "categories", "", "optional YAML category config")
	cmd.Flags().StringVar(&opts.logFile, "log", "tablesync.log", "log file path")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "debug level logging")
	return cmd
}

// serve 启动 HTTP + WebSocket 服务；退出前先把所有房间派发一遍
func serve(opts *serveOptions) error {
	level := zapcore.InfoLevel
	if opts.debug {
		level = zapcore.DebugLevel
	}
	if err := server.InitLogger(opts.logFile, level); err != nil {
		return err
	}
	defer server.SyncLogger()
	log := server.Log

	var overrides []server.CategoryConfig
	if opts.categories != "" {
		var err error
		if overrides, err = server.LoadCategoryFile(opts.categories); err != nil {
			return err
		}
	}

	gw, err := store.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer gw.Close()

	hub := server.NewHub(log)
	engine, err := server.NewEngine(server.Options{
		Categories: overrides,
		Sink:       hub,
		Persister:  gw,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	hub.Attach(engine, gw)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	server.NewAdmin(engine).Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: opts.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("tablesync listening on %s", opts.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	engine.Close()
	for _, roomID := range engine.Rooms() {
		if err := engine.ForceSyncAll(ctx, roomID); err != nil {
			log.Warnw("final flush failed", "room", roomID, "error", err)
		}
	}
	return hub.Close()
}
