package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/redis/go-redis/v9"

	"raffle/internal/config"
	"raffle/internal/consensus"
	"raffle/internal/handlers"
	"raffle/internal/locks"
	"raffle/internal/oracle"
	"raffle/internal/selector"
	"raffle/internal/services"
	"raffle/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}

	// 1. Initialize logging
	logOut := io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			config.Exitf("open log file: %v", err)
		}
		defer f.Close()
		logOut = f
	}
	defer logger.Init("raffle", cfg.LogVerbose, false, logOut).Close()

	// 2. Open the store
	var store storage.Store
	if cfg.StoreDriver == "memory" {
		store = storage.NewMemoryStore()
	} else {
		store, err = storage.OpenGorm(cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			logger.Fatalf("Failed to open store: %v", err)
		}
	}
	defer store.Close()

	// 3. Build the oracle and the consensus resolver around it
	invoker, err := oracle.New(oracle.Config{
		Provider:    cfg.Oracle.Provider,
		BaseURL:     cfg.Oracle.BaseURL,
		APIKey:      cfg.Oracle.APIKey,
		Model:       cfg.Oracle.Model,
		Temperature: cfg.Oracle.Temperature,
		Timeout:     cfg.Oracle.Timeout,
	})
	if err != nil {
		logger.Fatalf("Failed to create oracle: %v", err)
	}
	resolver, err := consensus.NewResolver(consensus.Options{
		Replicas:   cfg.Consensus.Replicas,
		Threshold:  cfg.Consensus.Threshold,
		Rounds:     cfg.Consensus.Rounds,
		RoundDelay: cfg.Consensus.RoundDelay,
		Timeout:    cfg.Consensus.Timeout,
	})
	if err != nil {
		logger.Fatalf("Failed to create resolver: %v", err)
	}
	logger.Infof("Oracle %s/%s with %d replicas, threshold %d", cfg.Oracle.Provider, cfg.Oracle.Model, resolver.Replicas(), resolver.Threshold())

	// 4. Pick the per-raffle locker
	var locker locks.Locker = locks.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatalf("Failed to reach redis at %s: %v", cfg.RedisAddr, err)
		}
		locker = locks.NewRedisLocker(rdb, "raffle:lock:", cfg.LockTTL)
		logger.Infof("Using redis locks at %s", cfg.RedisAddr)
	}

	// 5. Initialize the Raffle Service and the HTTP Handler
	raffleService := services.NewRaffleService(store, selector.New(invoker, resolver), locker)
	httpHandler := handlers.NewHTTPHandler(raffleService, []byte(cfg.JWTSecret))

	// 6. Set up the Gin router
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	httpHandler.RegisterRoutes(r)

	// 7. Run the server until interrupted
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Infof("Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to run server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Consensus.Timeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Shutdown: %v", err)
	}
}
