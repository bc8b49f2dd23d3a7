package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/network"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")

	// Init Local Store
	localStore, err := store.NewBadgerStore(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer localStore.Close()

	// Init Remote Backend
	backend, err := remote.NewMySQLBackend(cfg.Remote)
	if err != nil {
		logger.Log.Fatal("Failed to init remote backend", zap.Error(err))
	}
	defer backend.Close()

	// Init Network Monitor
	monitor := network.NewMonitor(cfg.Network)
	monitor.Start()
	defer monitor.Stop()

	// Init Sync Service
	syncService := sync.NewService(cfg, localStore, backend, monitor)
	defer syncService.Close()

	// Init Scheduler
	scheduler := sync.NewScheduler(cfg.Scheduler, syncService)
	scheduler.Start()

	// Init API
	handler := api.NewHandler(syncService, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	scheduler.Stop()
}
