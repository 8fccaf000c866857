package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"busattend/internal/auth"
	"busattend/internal/config"
	"busattend/internal/handler"
	"busattend/internal/httpmiddleware"
	"busattend/internal/metrics"
	"busattend/internal/qrsvc"
	"busattend/internal/queue"
	"busattend/internal/ratelimit"
	"busattend/internal/scan"
	"busattend/internal/shift"
	"busattend/internal/store"
	"busattend/internal/student"
	"busattend/internal/supervisor"
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
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Printf("warning: migrations not applied: %v", err)
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "busattend:scans")
	}

	loc := cfg.Location()
	scanRepo := scan.NewRepository(db.Client)
	guard := scan.NewGuard(scanRepo, loc)
	studentRepo := student.NewRepository(db.Client)
	resolver := student.NewResolver(studentRepo)
	shiftSvc := shift.NewService(shift.NewRepository(db.Client))
	superRepo := supervisor.NewRepository(db.Client)

	limiter := ratelimit.NewScanLimiter(cfg.ScanBurst, cfg.ScanWindow, cfg.ScanLimiterGC)
	defer limiter.Stop()

	qrClient := qrsvc.New(cfg.QRServiceURL, cfg.QRSkip)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	h := handler.New(shiftSvc, resolver, guard, scanRepo, studentRepo, superRepo,
		limiter, q, qrClient, collector, handler.TokenConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		})

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Per-IP limiting across the whole API; the per-supervisor scan
	// limiter lives inside the scan handler.
	ipLimiter := httpmiddleware.NewIPLimiter(cfg.RateLimitPerMin)
	defer ipLimiter.Stop()
	r.Use(ipLimiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/supervisors/register", h.RegisterSupervisor)

	authed := r.Group("/", auth.SupervisorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	authed.POST("/shifts", h.OpenShift)
	authed.POST("/shifts/close", h.CloseShift)
	authed.POST("/shifts/scan", h.Scan)
	authed.GET("/shifts/:id", h.GetShift)
	authed.GET("/attendance", h.ListAttendance)
	authed.GET("/students/:key", h.GetStudent)
	authed.GET("/students/:key/qr", h.StudentQR)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
