package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agripay/backend/internal/audit"
	"github.com/agripay/backend/internal/config"
	"github.com/agripay/backend/internal/database"
	"github.com/agripay/backend/internal/jobs"
	"github.com/agripay/backend/internal/middleware"
	"github.com/agripay/backend/internal/queue"
	"github.com/agripay/backend/internal/routes"
	"github.com/agripay/backend/internal/services/payment"
	"github.com/agripay/backend/internal/services/payment/mpesa"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		if cfg.IsProduction() {
			log.Fatalf("Invalid configuration: %v", err)
		}
		log.Printf("Configuration incomplete, payments will fail until fixed: %v", err)
	}

	// Initialize database
	var db *gorm.DB
	if cfg.Store.Driver == database.DriverPostgres {
		var err error
		db, err = database.InitDB(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
	}

	store, closeStore, err := database.NewIntentStore(cfg.Store, db)
	if err != nil {
		log.Fatalf("Failed to initialize payment store: %v", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("Failed to close payment store: %v", err)
		}
	}()

	callbackURL, err := cfg.MPesa.SignedCallbackURL()
	if err != nil {
		log.Fatalf("Failed to build callback URL: %v", err)
	}

	// Initialize services
	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:         cfg.MPesa.BaseURL,
		ConsumerKey:     cfg.MPesa.ConsumerKey,
		ConsumerSecret:  cfg.MPesa.ConsumerSecret,
		ShortCode:       cfg.MPesa.ShortCode,
		PassKey:         cfg.MPesa.PassKey,
		TransactionType: cfg.MPesa.TransactionType,
		CallbackURL:     callbackURL,
		PushTimeout:     cfg.MPesa.PushTimeout,
		QueryTimeout:    cfg.MPesa.QueryTimeout,
		TokenTimeout:    cfg.MPesa.TokenTimeout,
	})
	paymentService := payment.NewService(gateway, store, audit.NewLogger(db))

	// Initialize Redis client
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = queue.NewRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			log.Printf("Redis unavailable, falling back to the stale sweep only: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	// Start background reconciliation
	runner, err := jobs.StartBackgroundJobs(paymentService, store, redisClient, cfg.Reconcile)
	if err != nil {
		log.Fatalf("Failed to start background jobs: %v", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	// Initialize Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Setup routes
	if err := routes.RegisterRoutes(router, cfg, paymentService, rateLimiter, runner); err != nil {
		log.Fatalf("Failed to register routes: %v", err)
	}

	// Start server
	srv := startServer(router, cfg.Server)

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Create a deadline to wait for
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown server
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop background jobs after in-flight requests have drained
	runner.Stop()

	log.Println("Server exiting")
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, serverConfig config.ServerConfig) *http.Server {
	srv := &http.Server{
		Addr:         ":" + serverConfig.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(serverConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(serverConfig.WriteTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on port %s", serverConfig.Port)
	return srv
}
