// Package main is the entry point for the WAAAH orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OpenSourceWTF/waaah/internal/common/config"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/core"
	"github.com/OpenSourceWTF/waaah/internal/gateway/websocket"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/handlers"
	"github.com/OpenSourceWTF/waaah/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	telemetry.Configure(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)

	log.Info("Starting WAAAH orchestration server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := core.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize core", zap.Error(err))
	}
	defer engine.Close()

	if err := engine.Scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handlers.RequestLogger(log))
	router.Use(handlers.Recovery(log))
	router.Use(handlers.CORS())

	api := router.Group("/api/v1")
	httpHandlers := handlers.New(engine.Lifecycle, engine.Registry, engine.Coord,
		engine.Prompts, engine.Repo, cfg.Polling, log)
	httpHandlers.RegisterRoutes(api)

	hub, err := websocket.NewHub(engine.Bus, log)
	if err != nil {
		log.Fatal("Failed to start event gateway", zap.Error(err))
	}
	defer hub.Close()
	websocket.NewHandler(hub, log).RegisterRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		// Release parked long-polls before closing the listener so
		// in-flight waits return promptly.
		engine.Coord.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return telemetry.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server stopped")
}
