package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finresearch/backend/internal/adapter/worker"
	"github.com/finresearch/backend/internal/bridge"
	"github.com/finresearch/backend/internal/bus"
	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/config"
	"github.com/finresearch/backend/internal/coordinator"
	"github.com/finresearch/backend/internal/registry"
	"github.com/finresearch/backend/internal/relay"
	"github.com/finresearch/backend/internal/service"
	"github.com/finresearch/backend/internal/store"
	transport "github.com/finresearch/backend/internal/transport/http"
	"github.com/finresearch/backend/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting research backend...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Redis: %s", cfg.RedisURL)
	log.Printf("Namespace: %s", cfg.Namespace)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Worker: %s (mode %s)", cfg.WorkerURL, cfg.WorkerMode)

	// Initialize Redis (pub/sub bus + checkpoint storage)
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	eventBus := bus.NewRedisBus(redisClient)
	checkpoints := checkpoint.NewStore(checkpoint.NewRedisKV(redisClient), cfg.Namespace)

	// Initialize thread/message store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize worker client and bridge
	workerClient := worker.NewClient(cfg.WorkerURL)
	workerBridge := bridge.New(workerClient, eventBus, checkpoints, cfg.Namespace, cfg.BridgeMaxAttempts, cfg.BridgeBackoffBase)

	// Initialize coordinator and relay
	coord := coordinator.New(eventBus, registry.NewMemory(), checkpoints, policyEngine, workerClient, workerBridge, cfg.WorkerMode, cfg.Namespace, cfg.RunTimeout)
	eventRelay := relay.New(eventBus, checkpoints, coord, cfg.Namespace, cfg.HeartbeatInterval)

	// Initialize service and server
	svc := service.New(db, checkpoints, eventBus, coord, cfg)
	server := transport.NewServer(svc, eventRelay)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Research backend stopped")
}
