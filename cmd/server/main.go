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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/arbiterops/arbiter/internal/api/middleware"
	"github.com/arbiterops/arbiter/internal/api/rest"
	"github.com/arbiterops/arbiter/internal/config"
	"github.com/arbiterops/arbiter/internal/dispatcher"
	"github.com/arbiterops/arbiter/internal/pkg/logger"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/internal/statestore"
	"github.com/arbiterops/arbiter/migrations"
)

func main() {
	log.Println("🚀 Arbiter control plane starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	zlog := logger.Runtime()
	defer zlog.Sync()

	// Initialize database: Postgres when a DSN is configured, sqlite otherwise
	var repo *repository.SQLStore
	if cfg.DatabaseURL != "" {
		log.Println("💾 Connecting to Postgres...")
		repo, err = repository.NewPostgres(cfg.DatabaseURL)
	} else {
		log.Printf("💾 Opening sqlite database at %s...", cfg.DatabasePath)
		repo, err = repository.NewSQLite(cfg.DatabasePath)
	}
	if err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(migrations.Initial()); err != nil {
		log.Fatalf("❌ Failed to run migrations: %v", err)
	}
	log.Println("✅ Database ready")

	// Session store (Redis). Soft-fails at runtime; the server stays up
	// without it, with live session views degraded.
	sessions := statestore.New(cfg.RedisAddr, cfg.RedisPassword,
		time.Duration(cfg.SessionTTLSec)*time.Second, zlog)

	// Services and routes
	svc := dispatcher.New(repo, zlog)
	handler := rest.NewHandler(svc, repo, sessions, cfg.PrometheusURL, zlog)

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	rest.SetupRoutes(router, handler)

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key", "X-Cluster-Token"},
		AllowCredentials: true,
	})

	requestTimeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on port %d", cfg.Port)
		log.Printf("📡 API at http://localhost:%d/api/v1, agent endpoints at /agent", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	log.Println("✅ Server exited gracefully")
}
