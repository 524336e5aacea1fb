package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/api"
	"github.com/acme/lead-delivery/internal/app"
	"github.com/acme/lead-delivery/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath, app.WithScylla())
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), container.Config.Telemetry.ShutdownTimeout)
		defer scancel()
		_ = shutdown(sctx)
	}()

	if err := container.EnsureTopics(ctx); err != nil {
		container.Logger.Warn("kafka topics not ensured, async delivery may fail", zap.Error(err))
	}

	server := api.NewServer(container)
	container.Logger.Info("starting api server", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		container.Logger.Error("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
