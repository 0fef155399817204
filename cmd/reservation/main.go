package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bus/internal/app"
	"bus/internal/config"
	"bus/internal/events"
	"bus/internal/logging"
	"bus/internal/service/reservation"
	"bus/internal/service/user"
)

type LoopConfig struct {
	Interval    time.Duration `env:"RESERVE_INTERVAL" envDefault:"1s"`
	Restaurants []string      `env:"RESERVE_RESTAURANTS" envSeparator:"," envDefault:"r-1,r-2"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	var loop LoopConfig
	if err := env.Parse(&loop); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
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

	g, err := a.Gateway(events.TopicReservationReplies, events.TypeFindAvailableTableResponse)
	if err != nil {
		logger.Fatal("failed to create gateway", zap.Error(err))
	}
	reservations, err := reservation.New(g, cfg.Bus.CallTimeout, a.Logger())
	if err != nil {
		logger.Fatal("failed to create reservation service", zap.Error(err))
	}
	if err := reservations.Register(a.Dispatcher(), cfg.Bus.Workers); err != nil {
		logger.Fatal("failed to register reservation service", zap.Error(err))
	}
	users, err := user.New(a.Publisher(), a.Logger())
	if err != nil {
		logger.Fatal("failed to create user service", zap.Error(err))
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.Run(ectx)
	})
	eg.Go(func() error {
		return reserveLoop(ectx, logger, loop, users, reservations)
	})

	if err := eg.Wait(); err != nil {
		logger.Error("reservation service stopped", zap.Error(err))
	}
}

// reserveLoop registers a demo user and keeps booking tables for it.
func reserveLoop(ctx context.Context, logger *zap.Logger, loop LoopConfig, users *user.Service, reservations *reservation.Service) error {
	u, err := users.Register(ctx, fmt.Sprintf("diner-%d@example.com", time.Now().UnixNano()), "Demo Diner")
	if err != nil {
		return fmt.Errorf("failed to register demo user: %w", err)
	}

	ticker := time.NewTicker(loop.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		restaurantID := loop.Restaurants[rand.Intn(len(loop.Restaurants))]
		at := time.Now().Add(time.Duration(1+rand.Intn(72)) * time.Hour).Truncate(time.Hour)
		party := 1 + rand.Intn(6)

		r, err := reservations.Reserve(ctx, u.ID, restaurantID, party, at)
		switch {
		case err == nil:
			logger.Info("reserved", zap.String("reservationId", r.ID), zap.String("tableId", r.TableID))
		case errors.Is(err, reservation.ErrUnknownUser):
			logger.Debug("waiting for user registration to arrive")
		case errors.Is(err, reservation.ErrUnavailable):
			logger.Warn("restaurant service unavailable, will retry", zap.Error(err))
		default:
			logger.Info("reservation declined", zap.Error(err))
		}
	}
}
