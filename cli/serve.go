package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalcanvas/bus"
	"github.com/petal-labs/petalcanvas/config"
	petalotel "github.com/petal-labs/petalcanvas/otel"
	"github.com/petal-labs/petalcanvas/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the canvas HTTP API server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to petalcanvas.yaml")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides server.port)")
	cmd.Flags().String("host", "", "Listen host (overrides server.host)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides server.cors_origin)")
	cmd.Flags().String("sqlite-path", "", "Path to the workflow database (default: ~/.petalcanvas/petalcanvas.db)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := petalotel.Setup(ctx, petalotel.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return exitError(exitConfig, "initializing telemetry: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	dsn, err := resolveSQLiteDSN(cfg.Server.SQLitePath)
	if err != nil {
		return err
	}
	sqliteStore, err := server.NewSQLiteStore(ctx, server.SQLiteStoreConfig{DSN: dsn, Logger: logger})
	if err != nil {
		return exitError(exitRuntime, "opening workflow store: %v", err)
	}
	defer func() { _ = sqliteStore.Close() }()

	tmpl, err := workspaceTemplate(cfg, logger)
	if err != nil {
		return err
	}
	tmpl.EventHandler = tel.Handler()
	tmpl.EventEmitterDecorator = tel.Decorator()

	srv := server.NewServer(server.ServerConfig{
		Store:      server.WithRetry(sqliteStore, server.DefaultRetryPolicy, logger),
		Workspace:  tmpl,
		EventStore: bus.NewBoundedMemEventStore(cfg.History.MaxRuns),
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})
	defer func() { _ = srv.Close() }()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("petalcanvas server listening", "addr", addr, "store", dsn)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func applyServeFlags(cmd *cobra.Command, cfg *config.File) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("sqlite-path") {
		cfg.Server.SQLitePath, _ = cmd.Flags().GetString("sqlite-path")
	}
}

func resolveSQLiteDSN(configured string) (string, error) {
	if dsn := strings.TrimSpace(configured); dsn != "" {
		return dsn, nil
	}
	path, err := server.DefaultSQLitePath()
	if err != nil {
		return "", fmt.Errorf("resolving default sqlite path: %w", err)
	}
	return path, nil
}
