package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"beacon-registry/config"
	"beacon-registry/internal/api"
	"beacon-registry/internal/catalog"
	"beacon-registry/internal/clock"
	"beacon-registry/internal/compactor"
	"beacon-registry/internal/db"
	"beacon-registry/internal/events"
	"beacon-registry/internal/notification"
	"beacon-registry/internal/registry"
	"beacon-registry/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "beacond ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	} else {
		logger.Println("VAPID keys are not configured; match push notifications are disabled")
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}

	var appStore interface {
		store.Store
		store.SubscriptionStore
	}
	if gormDB == nil {
		appStore = store.NewMemoryStore()
		logger.Println("using the in-memory store; beacons are lost on restart")
	} else {
		appStore = store.NewGormStore(gormDB)
		logger.Printf("using the %s store", cfg.Database.Driver)
	}

	games, err := catalog.New(cfg.Games)
	if err != nil {
		logger.Fatalf("invalid game catalog: %v", err)
	}

	clk := clock.Real()
	reg, err := registry.New(appStore, games, clk, registryOptions(cfg.Registry))
	if err != nil {
		logger.Fatalf("invalid registry configuration: %v", err)
	}

	publisher, err := events.New(events.Config{
		Backend:     cfg.Events.Backend,
		URL:         cfg.Events.URL,
		Exchange:    cfg.Events.Exchange,
		TopicPrefix: cfg.Events.TopicPrefix,
		ClientID:    cfg.Events.ClientID,
	})
	if err != nil {
		logger.Fatalf("failed to connect events backend %q: %v", cfg.Events.Backend, err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, publisher, webpushOptions)
	workers.Start(ctx)

	go compactor.NewService(cfg.Compactor, appStore, clk).Run(ctx)

	handler := api.NewHandler(api.Deps{
		Beacons:       reg,
		Catalog:       games,
		Subscriptions: appStore,
		Dispatcher:    workers,
		Clock:         clk,
		Webpush:       webpushOptions,
		DefaultWait:   cfg.Registry.MinWait,
	})
	router := api.NewRouter(handler, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}
	cancel()

	logger.Println("Server gracefully stopped")
}

func registryOptions(cfg config.RegistryConfig) registry.Options {
	return registry.Options{
		MinDuration:     cfg.MinWait,
		MaxDuration:     cfg.MaxWait,
		DurationPolicy:  registry.DurationPolicy(cfg.DurationPolicy),
		MatchRule:       registry.MatchRule(cfg.MatchRule),
		LockMode:        registry.LockMode(cfg.LockMode),
		StoreTimeout:    cfg.StoreTimeout,
		IDRetries:       cfg.IDRetries,
		ConflictRetries: cfg.ConflictRetries,
		ReadRetries:     uint64(cfg.ReadRetries),
	}
}
