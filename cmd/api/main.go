package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"examgate/internal/admission"
	"examgate/internal/config"
	"examgate/internal/export"
	"examgate/internal/handler"
	"examgate/internal/httpmiddleware"
	"examgate/internal/identity"
	"examgate/internal/ledger"
	"examgate/internal/logsvc"
	"examgate/internal/metrics"
	"examgate/internal/queue"
	"examgate/internal/session"
	"examgate/internal/storage"
	"examgate/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logsvc.New(log.Default(), cfg.RollbarToken, cfg.Env)
	defer logger.Close()

	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	policy, err := ledger.ParsePolicy(cfg.UniquenessPolicy)
	if err != nil {
		return err
	}
	st, err := storage.New(cfg.StorageRoot, cfg.MaxUploadBytes)
	if err != nil {
		return err
	}

	var redisClient *store.Redis
	var events queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		events = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	case "memory":
		// only worth buffering when the mirror runs in this process
		if cfg.S3.Enabled() {
			events = queue.NewInMemory(256)
		}
	}

	teachers := identity.NewStore(identity.NewRepository(db.Client))
	registry := session.NewRegistry(session.NewRepository(db.Client), teachers)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	led := ledger.New(ledger.NewRepository(db.Client),
		ledger.WithPolicy(policy), ledger.WithReservationTTL(cfg.ReservationTTL))
	m := metrics.NewAdmission(prometheus.DefaultRegisterer)

	opts := []admission.Option{
		admission.WithSubmitTimeout(cfg.SubmitTimeout),
		admission.WithMetrics(m),
		admission.WithLogger(logger),
	}
	if events != nil {
		opts = append(opts, admission.WithEvents(events))
	}
	ctl := admission.NewController(registry, teachers, led, st, opts...)
	janitor := admission.NewJanitor(registry, led, st, m, logger)

	report, err := janitor.Recover(ctx)
	if err != nil {
		return err
	}
	log.Printf("recovery: %d staging, %d orphans removed, %d missing",
		len(report.RemovedStaging), len(report.RemovedOrphans), len(report.Missing))
	go janitor.Run(ctx, cfg.SweepInterval)

	if mem, ok := events.(*queue.InMemory); ok {
		mirror, err := export.NewS3Mirror(ctx, cfg.S3, st)
		if err != nil {
			return err
		}
		go func() {
			if err := mirror.Run(ctx, mem); err != nil {
				log.Printf("mirror stopped: %v", err)
			}
		}()
		log.Printf("mirroring submissions to s3://%s", cfg.S3.Bucket)
	}

	var limiter httpmiddleware.Limiter
	if redisClient != nil {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		bucket := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
		go pruneLoop(ctx, bucket)
		limiter = bucket
	}

	checks := map[string]handler.Check{"db": db.Healthy}
	if redisClient != nil {
		checks["redis"] = redisClient.Healthy
	}
	h := handler.New(teachers, registry, ctl, janitor, export.NewService(led, st), handler.Options{
		JWTIssuer:     cfg.JWTIssuer,
		JWTSigningKey: cfg.JWTSigningKey,
		AccessTTL:     cfg.AccessTTL,
		Checks:        checks,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Disposition", "X-Checksum-Sha256"},
		MaxAge:        24 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r, httpmiddleware.RateLimit(limiter))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  cfg.SubmitTimeout,
		WriteTimeout: 10 * time.Minute, // archives of a large session take a while to stream
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding uploads time to commit or fail cleanly
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	cancel()

	log.Println("Server exited")
	return nil
}

func pruneLoop(ctx context.Context, b *httpmiddleware.TokenBucket) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Prune()
		}
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
