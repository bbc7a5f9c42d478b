package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/poll-signaling/config"
	"github.com/mossy-p/poll-signaling/internal/handlers"
	"github.com/mossy-p/poll-signaling/internal/logging"
	"github.com/mossy-p/poll-signaling/internal/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	log := logging.Setup(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	store, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer store.Close()

	log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logging.Component("http")))

	h := handlers.New(store, cfg, log)
	h.Routes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed")
		}
	}()

	// Start server
	log.Info().
		Str("port", cfg.Port).
		Dur("ring_timeout", cfg.Calls.RingTimeout).
		Msg("starting call signaling server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	log.Info().Msg("server stopped")
}
