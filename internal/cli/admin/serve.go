package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/docqa/internal/api/handlers"
	"github.com/cloo-solutions/docqa/internal/jobs"
	"github.com/cloo-solutions/docqa/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the docqa API server, and the inbox worker when DOCQA_INBOX_DIR is set",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides DOCQA_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	rt, err := loadRuntime(cmd, runtimeOptions{migrate: !noMigrate})
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.Config, rt.Logger
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s3Client, err := newS3(ctx, cfg)
	if err != nil {
		return err
	}
	if s3Client != nil {
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		logger.Info("snapshot bucket ready", zap.String("bucket", cfg.S3Bucket))
	}

	var inboxWorker *jobs.Worker
	if cfg.HasInbox() {
		processor, err := jobs.NewInboxWorker(cfg.InboxDir, rt.Pipeline, cfg.MaxUploadBytes, logger)
		if err != nil {
			return fmt.Errorf("failed to start inbox worker: %w", err)
		}
		inboxWorker = jobs.NewWorker(processor, cfg.InboxInterval, logger)
		go inboxWorker.Start(ctx)
		logger.Info("inbox worker started", zap.String("dir", cfg.InboxDir), zap.Duration("interval", cfg.InboxInterval))
	}

	router := server.NewRouter(server.RouterConfig{
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		DocumentHandler: handlers.NewDocumentHandler(rt.Pipeline, cfg.MaxUploadBytes),
		QueryHandler:    handlers.NewQueryHandler(rt.Pipeline),
		HealthHandler:   handlers.NewHealthHandler(rt.Pipeline),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("shutting down")

	if inboxWorker != nil {
		inboxWorker.Stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
