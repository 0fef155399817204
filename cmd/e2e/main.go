package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bus/internal/app"
	"bus/internal/bus"
	"bus/internal/config"
	"bus/internal/events"
	"bus/internal/logging"
	"bus/internal/service/reservation"
	"bus/internal/service/restaurant"
	"bus/internal/service/user"
)

type Config struct {
	Calls       int  `env:"E2E_CALLS" envDefault:"200"`
	Concurrency int  `env:"E2E_CONCURRENCY" envDefault:"16"`
	Users       int  `env:"E2E_USERS" envDefault:"10"`
	Profile     bool `env:"E2E_PROFILE" envDefault:"false"`
}

type outcomes struct {
	mu        sync.Mutex
	counts    map[string]int
	latencies []time.Duration
}

func (o *outcomes) record(outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[outcome]++
	o.latencies = append(o.latencies, d)
}

func main() {
	var e2e Config
	if err := env.Parse(&e2e); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	if e2e.Profile {
		stop := profile()
		defer stop()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build app: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("failed to close app", zap.Error(err))
		}
	}()

	restaurants, reservations, users, err := wire(a)
	if err != nil {
		log.Fatalf("failed to wire services: %v", err)
	}

	appCtx, stopApp := context.WithCancel(ctx)
	appDone := make(chan error, 1)
	go func() { appDone <- a.Run(appCtx) }()

	now := time.Now()
	results, err := drive(ctx, logger, e2e, a.Config().Bus.CallTimeout, restaurants, reservations, users)
	if err != nil {
		logger.Error("e2e run failed", zap.Error(err))
	}

	stopApp()
	if err := <-appDone; err != nil {
		logger.Error("app stopped with error", zap.Error(err))
	}

	report(results, time.Since(now), a.Registry().Len())
}

func wire(a *app.App) (*restaurant.Service, *reservation.Service, *user.Service, error) {
	cfg := a.Config()

	inv := restaurant.NewMemoryInventory(restaurant.Restaurant{
		ID:   "r-1",
		Name: "Bistro Nord",
		Tables: []restaurant.Table{
			{ID: "t-1", Seats: 2},
			{ID: "t-2", Seats: 4},
			{ID: "t-3", Seats: 4},
			{ID: "t-4", Seats: 8},
		},
	})
	restaurants, err := restaurant.New(inv, a.Publisher(), a.Logger())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := restaurants.Register(a.Dispatcher(), a.Client(), cfg.Bus.Workers); err != nil {
		return nil, nil, nil, err
	}

	g, err := a.Gateway(events.TopicReservationReplies, events.TypeFindAvailableTableResponse)
	if err != nil {
		return nil, nil, nil, err
	}
	reservations, err := reservation.New(g, cfg.Bus.CallTimeout, a.Logger())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := reservations.Register(a.Dispatcher(), cfg.Bus.Workers); err != nil {
		return nil, nil, nil, err
	}

	users, err := user.New(a.Publisher(), a.Logger())
	if err != nil {
		return nil, nil, nil, err
	}

	return restaurants, reservations, users, nil
}

// drive registers users, then issues e2e.Calls reservations with at most
// e2e.Concurrency in flight, changing the restaurant's capacity halfway.
func drive(ctx context.Context, logger *zap.Logger, e2e Config, timeout time.Duration, restaurants *restaurant.Service, reservations *reservation.Service, users *user.Service) (*outcomes, error) {
	results := &outcomes{counts: make(map[string]int)}
	if e2e.Users <= 0 || e2e.Concurrency <= 0 {
		return results, errors.New("E2E_USERS and E2E_CONCURRENCY must be positive")
	}

	ids := make([]string, 0, e2e.Users)
	for i := range e2e.Users {
		u, err := users.Register(ctx, fmt.Sprintf("user-%d@example.com", i), fmt.Sprintf("User %d", i))
		if err != nil {
			return results, fmt.Errorf("failed to register user: %w", err)
		}
		ids = append(ids, u.ID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for !reservations.Known(id) {
			if time.Now().After(deadline) {
				return results, errors.New("user registrations never arrived")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	logger.Info(fmt.Sprintf("registered %d users", len(ids)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e2e.Concurrency)

	base := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	for i := range e2e.Calls {
		if i == e2e.Calls/2 {
			g.Go(func() error {
				tables := []restaurant.Table{{ID: "t-1", Seats: 2}, {ID: "t-4", Seats: 8}, {ID: "t-5", Seats: 6}}
				return restaurants.SetTables(gctx, "r-1", tables)
			})
		}

		g.Go(func() error {
			at := base.Add(time.Duration(rand.Intn(12)) * time.Hour)
			start := time.Now()
			_, err := reservations.Reserve(gctx, ids[i%len(ids)], "r-1", 1+rand.Intn(6), at)
			results.record(classify(err), time.Since(start))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	logger.Info("reservations complete", zap.Duration("timeout", timeout))
	return results, nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, reservation.ErrNoTable):
		return "no_table"
	case errors.Is(err, bus.ErrTimeout):
		return "timeout"
	case errors.Is(err, reservation.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, bus.ErrTypeMismatch):
		return "type_mismatch"
	default:
		return "error"
	}
}

func report(results *outcomes, elapsed time.Duration, pending int) {
	results.mu.Lock()
	defer results.mu.Unlock()

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds\n", elapsed.Seconds())

	keys := make([]string, 0, len(results.counts))
	for k := range results.counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("  %-14s %d\n", k, results.counts[k])
	}

	if n := len(results.latencies); n > 0 {
		slices.Sort(results.latencies)
		fmt.Printf("  p50 %s  p99 %s  max %s\n",
			results.latencies[n/2],
			results.latencies[n*99/100],
			results.latencies[n-1],
		)
	}
	fmt.Printf("  pending calls left in registry: %d\n", pending)
}

func profile() func() {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		log.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		log.Fatal("could not start CPU profile: ", err)
	}

	return func() {
		pprof.StopCPUProfile()
		cpuProfile.Close()

		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}
