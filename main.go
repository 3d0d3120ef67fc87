package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/app"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/config"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.LoadConfig()

	application, err := app.Build(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize services: %v", err)
	}

	application.Maintenance.Start()

	server := application.NewServer()

	go func() {
		logrus.Infof("Server starting on port %s", cfg.ServerPort)
		if err := server.Listen(":" + cfg.ServerPort); err != nil {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.WithError(err).Warn("Server shutdown did not complete cleanly")
	}
	application.Maintenance.Stop()
	if err := application.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close store")
	}
	logrus.Info("Server stopped")
}
