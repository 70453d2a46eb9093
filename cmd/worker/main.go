package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"examgate/internal/config"
	"examgate/internal/export"
	"examgate/internal/queue"
	"examgate/internal/storage"
	"examgate/internal/store"
)

// Worker consumes commit events from redis and mirrors submitted files to S3.
// It must share the API's storage root.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.QueueBackend != "redis" {
		log.Fatalf("worker needs QUEUE_BACKEND=redis, got %q; the memory backend mirrors inside the api", cfg.QueueBackend)
	}
	if !cfg.S3.Enabled() {
		log.Fatal("worker needs S3_BUCKET")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable, consumer will retry", cfg.RedisAddr)
	}

	st, err := storage.New(cfg.StorageRoot, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	mirror, err := export.NewS3Mirror(ctx, cfg.S3, st)
	if err != nil {
		log.Fatalf("s3 mirror: %v", err)
	}

	log.Printf("worker started, mirroring to s3://%s", cfg.S3.Bucket)
	if err := mirror.Run(ctx, queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)); err != nil {
		log.Fatalf("mirror: %v", err)
	}
	log.Println("worker stopped")
}
