package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crescendo-media/crescendo/internal/config"
	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/logger"
	"github.com/crescendo-media/crescendo/internal/modules/modulemanager"
	"github.com/crescendo-media/crescendo/internal/server"
)

func main() {
	configPath := os.Getenv("CRESCENDO_CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("./crescendo.yaml"); err == nil {
			configPath = "./crescendo.yaml"
		}
	}
	if err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	logger.Configure(cfg.Logging.Level)
	logger.Info("starting crescendo", "config", configPath)

	if err := database.Initialize(&cfg.Database); err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	router, err := server.SetupRouter()
	if err != nil {
		logger.Error("failed to assemble server", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	modulemanager.ShutdownAll(ctx)

	logger.Info("crescendo stopped")
}
