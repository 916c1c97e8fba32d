package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prudhvinik1/devicepair/internal/config"
	"github.com/prudhvinik1/devicepair/internal/database"
	"github.com/prudhvinik1/devicepair/internal/handlers"
	"github.com/prudhvinik1/devicepair/internal/logs"
	"github.com/prudhvinik1/devicepair/internal/ratelimit"
	"github.com/prudhvinik1/devicepair/internal/repositories"
	"github.com/prudhvinik1/devicepair/internal/services"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logs.New(logs.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})

	if cfg.AutoMigrate {
		if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		log.Info("database migrations applied")
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	registrationRepo := repositories.NewPostgresRegistrationRepository(postgresPool)
	tokenRepo := repositories.NewPostgresTokenRepository(postgresPool)
	sessionRepo := repositories.NewRedisSessionRepository(redisClient)

	pairingService := services.NewPairingService(registrationRepo, tokenRepo, services.PairingConfig{
		RegistrationTTL: cfg.RegistrationTTL,
		TokenTTL:        cfg.DeviceTokenTTL,
		PollInterval:    cfg.PollInterval,
		PairingURL:      cfg.PairingURL,
	})
	tokenService := services.NewTokenService(tokenRepo, cfg.DeviceTokenTTL, time.Now)
	sessionService := services.NewWebSessionService(sessionRepo, cfg.JWTSecret, cfg.JWTExpiry)

	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case config.RateLimitLocal:
		local := ratelimit.NewLocalLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
		go pruneLimiter(ctx, local, cfg.SweepInterval, log)
		limiter = local
	default:
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	sweeper := services.NewSweeper(registrationRepo, tokenRepo, cfg.SweepInterval, log.WithField("component", "sweeper"))
	go sweeper.Run(ctx)

	h := handlers.New(pairingService, tokenService, sessionService, limiter, log.WithField("component", "http"),
		handlers.WithTrustedProxies(cfg.TrustedProxies))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()

		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown did not complete cleanly")
		}
	}()

	log.Infof("Starting server on port %s", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Info("Server stopped gracefully")
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.LocalLimiter, every time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(every); n > 0 {
				log.WithField("buckets", n).Debug("pruned idle rate limit buckets")
			}
		}
	}
}
