package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatdesk/internal/handlers"
	"chatdesk/internal/metrics"
	"chatdesk/internal/observability"
	"chatdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the chatdesk HTTP server",
	Long:  `Run the chatdesk HTTP and WebSocket server together with the background jobs`,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry 追踪
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Monitoring.Tracing)
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Monitoring.Enabled {
		metrics.Init()
	}

	scheduler, reindexJob, err := app.newScheduler()
	if err != nil {
		return err
	}
	scheduler.Start()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := services.NewWebSocketHub(app.chat, cfg.Security.CORS.AllowedOrigins, logger)
	go hub.Run(hubCtx)

	if cfg.Server.Host != "localhost" && cfg.Server.Host != "127.0.0.1" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.SetupRouter(&handlers.Dependencies{
		Config:        cfg,
		DB:            app.db,
		Redis:         app.redis,
		Logger:        logger,
		Chat:          app.chat,
		Knowledge:     app.knowledge,
		Triggers:      app.triggers,
		Conversations: app.conversations,
		Learning:      app.learning,
		Analytics:     app.analytics,
		Providers:     app.providers,
		Router:        app.router,
		Indexer:       app.indexer,
		Scheduler:     scheduler,
		ReindexJob:    reindexJob,
		Hub:           hub,
		Version:       Version,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     server.Addr,
			"provider": cfg.AI.Provider,
			"indexer":  app.indexer.Enabled(),
		}).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("Server failed: %v", err)
		}
	}

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	stopHub()
	if err := scheduler.Shutdown(); err != nil {
		logger.Errorf("Failed to stop scheduler: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnf("Failed to flush traces: %v", err)
	}

	logger.Info("Server exited")
	return nil
}
