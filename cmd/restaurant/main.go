package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bus/internal/app"
	"bus/internal/config"
	"bus/internal/logging"
	"bus/internal/service/restaurant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("failed to close app", zap.Error(err))
		}
	}()

	svc, err := restaurant.New(restaurant.NewMemoryInventory(seed()...), a.Publisher(), a.Logger())
	if err != nil {
		logger.Fatal("failed to create restaurant service", zap.Error(err))
	}
	if err := svc.Register(a.Dispatcher(), a.Client(), cfg.Bus.Workers); err != nil {
		logger.Fatal("failed to register restaurant service", zap.Error(err))
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("restaurant service stopped", zap.Error(err))
	}
}

func seed() []restaurant.Restaurant {
	return []restaurant.Restaurant{
		{
			ID:   "r-1",
			Name: "Bistro Nord",
			Tables: []restaurant.Table{
				{ID: "t-1", Seats: 2},
				{ID: "t-2", Seats: 2},
				{ID: "t-3", Seats: 4},
				{ID: "t-4", Seats: 6},
			},
		},
		{
			ID:   "r-2",
			Name: "Trattoria Sud",
			Tables: []restaurant.Table{
				{ID: "t-1", Seats: 4},
				{ID: "t-2", Seats: 8},
			},
		},
	}
}
