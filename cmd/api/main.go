package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arstudios/otp-service/internal/config"
	"github.com/arstudios/otp-service/internal/db"
	httphandler "github.com/arstudios/otp-service/internal/http"
	"github.com/arstudios/otp-service/internal/http/handlers"
	"github.com/arstudios/otp-service/internal/notify"
	"github.com/arstudios/otp-service/internal/otp"
	"github.com/arstudios/otp-service/internal/store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env from CWD if present (env vars override)
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	challengeStore, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open challenge store: %v", err)
	}
	defer cleanup()

	// Terminal Postgres rows need eviction; Redis keys expire on their own.
	if purger, ok := challengeStore.(store.Purger); ok {
		go purgeLoop(ctx, purger)
	}

	hasher := otp.NewHasher(cfg.OTPSalt)
	verifier := otp.NewVerifier(challengeStore, hasher)
	tokens := otp.NewTokenService(cfg.JWTSecret)

	var dispatcher notify.Dispatcher
	if cfg.DevMode {
		dispatcher = notify.LogDispatcher{}
	} else {
		dispatcher = notify.NewEmailDispatcher(notify.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.FromEmail,
		})
	}

	challengeHandler := handlers.NewChallengeHandler(verifier, dispatcher, tokens, cfg.DevMode)

	// Create router
	router := httphandler.NewRouter(challengeHandler)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s (store backend: %s)", cfg.Port, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// openStore builds the configured challenge store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.ChallengeStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		return store.NewPostgresStore(database), func() { _ = database.Close() }, nil

	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return store.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	}
}

// purgeLoop periodically evicts challenge rows past their retention window.
func purgeLoop(ctx context.Context, purger store.Purger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := purger.PurgeExpired(purgeCtx)
		cancel()
		if err != nil {
			log.Printf("Purge expired challenges failed: %v", err)
		} else if n > 0 {
			log.Printf("Purged %d expired challenges", n)
		}
	}
}
