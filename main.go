package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reading-platform/cache"
	"reading-platform/config"
	_ "reading-platform/docs" // Swagger docs
	"reading-platform/handler"
	appLogger "reading-platform/logger"
	"reading-platform/middleware"
	redisClient "reading-platform/redis"
	"reading-platform/security"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Reading Platform Abuse Guard API
// @version 1.0
// @description Abuse-detection and rate-limiting engine for the reading platform: scores reading activity per user and per IP, enforces tiered rate ceilings and manages automatic IP blocks.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey AdminKey
// @in header
// @name X-Admin-Key

// @tag.name Verdicts
// @tag.description Check entry points called by the content service and the request gateway

// @tag.name Admin
// @tag.description Read-only queries and manual block/unblock/reset operations

// @tag.name System
// @tag.description Health checks and cache metrics

func main() {
	// Initialize logger
	appLogger.Initialize()

	// Load configuration
	cfg := config.MustLoadConfig()
	log.Info().Msg("Configuration loaded successfully")

	// Initialize Redis client
	rdb := redisClient.NewClient(cfg.Redis)

	// Initialize verdict cache (if enabled)
	var cacheClient *cache.Cache
	if cfg.Cache.Enabled {
		var err error
		cacheClient, err = cache.New(cfg.Cache)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize cache")
		}
	} else {
		log.Info().Msg("Cache disabled in configuration")
	}

	// Assemble the detection engine
	store := security.NewRedisStore(rdb)
	engine := security.NewEngine(cfg, store, cacheClient)
	log.Info().
		Int("user_bot_threshold", cfg.UserScoring.BotThreshold).
		Int("ip_block_threshold", cfg.IPTracking.BlockThreshold).
		Int("block_duration_minutes", cfg.IPTracking.BlockDurationMinutes).
		Msg("Abuse detection engine initialized")

	// Create handlers with dependency injection
	verdictHandler := handler.NewVerdictHandler(engine, rdb, cacheClient, cfg)
	adminHandler := handler.NewAdminHandler(engine, cfg)

	// Set up router
	r := mux.NewRouter()

	// Apply global middleware
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	ipGuard := middleware.NewIPGuard(engine, true)

	r.Use(middleware.CORS)
	r.Use(middleware.RequestLogger)
	r.Use(rateLimiter.Limit)
	r.Use(middleware.Identity)
	r.Use(ipGuard.Preflight)

	// Verdict routes
	r.HandleFunc("/v1/check/read", verdictHandler.CheckRead).Methods("POST")
	r.HandleFunc("/v1/check/request", verdictHandler.CheckRequest).Methods("POST")

	// System routes
	r.HandleFunc("/health", verdictHandler.HealthCheck).Methods("GET")
	r.HandleFunc("/cache/metrics", verdictHandler.CacheMetrics).Methods("GET")

	// Admin routes (API key protected)
	adminAuth := middleware.NewAdminAuth(cfg.Admin.APIKey, cfg.Admin.Enabled)
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(adminAuth.Protect)
	admin.HandleFunc("/stats", adminHandler.GetBotStats).Methods("GET")
	admin.HandleFunc("/ips/blocked", adminHandler.GetBlockedIPs).Methods("GET")
	admin.HandleFunc("/ips/{ip}", adminHandler.GetIPStats).Methods("GET")
	admin.HandleFunc("/ips/{ip}/block", adminHandler.BlockIP).Methods("POST")
	admin.HandleFunc("/ips/{ip}/unblock", adminHandler.UnblockIP).Methods("POST")
	admin.HandleFunc("/ips/{ip}/reset", adminHandler.ResetIPActivity).Methods("POST")
	admin.HandleFunc("/ips/{ip}/whitelist", adminHandler.WhitelistEndpoint).Methods("POST")
	admin.HandleFunc("/users/suspicious", adminHandler.GetSuspiciousUsers).Methods("GET")
	admin.HandleFunc("/users/{userID}/audit", adminHandler.GetUserAudit).Methods("GET")
	admin.HandleFunc("/users/{userID}/reset", adminHandler.ResetUserActivity).Methods("POST")

	// Swagger UI
	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	// Configure HTTP server
	serverAddress := fmt.Sprintf("%s:%s", cfg.WebServer.IP, cfg.WebServer.Port)
	server := &http.Server{
		Addr:         serverAddress,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.WebServer.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WebServer.WriteTimeout) * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("address", serverAddress).
			Str("scheme", cfg.WebServer.Scheme).
			Msg("Starting server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WebServer.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop engine background work
	engine.Close()

	// Close cache
	if cacheClient != nil {
		cacheClient.Close()
	}

	// Close Redis connection
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Redis connection")
	}

	log.Info().Msg("Server stopped gracefully")
}
