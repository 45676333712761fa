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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/handler"
	"classattend/internal/httpmiddleware"
	"classattend/internal/model"
	"classattend/internal/oracle"
	"classattend/internal/queue"
	"classattend/internal/registry"
	"classattend/internal/roster"
	"classattend/internal/session"
	"classattend/internal/store"
	"classattend/internal/verify"
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
	var (
		docs store.Store
		pg   *store.Postgres
	)
	if cfg.StoreBackend == "memory" {
		docs = store.NewMemory()
		log.Println("using in-memory document store")
	} else {
		var err error
		pg, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		docs = pg
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classattend:marks")
	}

	oracleClient := oracle.New(cfg.OracleURL, cfg.OracleAPIKey, cfg.OracleModel, cfg.OracleSkip)
	if cfg.OracleSkip {
		log.Println("identity oracle in skip mode: every comparison matches (dev only)")
	}

	cache := store.NewClassCache(redisClient, cfg.ClassCacheTTL)
	rosterSvc := roster.NewService(docs, cache, q)
	registrySvc := registry.NewService(docs, oracleClient)
	verifySvc := verify.NewService(docs, oracleClient)
	sessions := session.NewManager(verifySvc, rosterSvc, cfg.SessionTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.Run(ctx)

	h := handler.New(cfg, registrySvc, rosterSvc, verifySvc, sessions)

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

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		storeHealthy := pg == nil || pg.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "store": storeHealthy})
	})

	r.POST("/v1/login", h.Login)
	r.POST("/v1/login/admin", h.AdminLogin)

	// Attendance workflow endpoints are deliberately open: the kiosk flow
	// authenticates by face, not by token.
	r.POST("/v1/sessions", h.CreateSession)
	r.GET("/v1/sessions/:id", h.GetSession)
	r.POST("/v1/sessions/:id/class", h.SelectClass)
	r.POST("/v1/sessions/:id/student-capture", h.StudentCapture)
	r.POST("/v1/sessions/:id/teacher-capture", h.TeacherCapture)
	r.POST("/v1/sessions/:id/cancel", h.CancelSession)
	r.POST("/v1/sessions/:id/ack", h.AckSession)
	r.POST("/v1/verify/student", h.VerifyStudent)
	r.POST("/v1/verify/teacher", h.VerifyTeacher)

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	authed.GET("/classes", h.ListClasses)
	authed.GET("/classes/:id", h.GetClass)
	authed.GET("/users/:id", h.GetUser)

	staff := authed.Group("", auth.RequireRole(auth.RoleAdmin, string(model.RoleTeacher)))
	staff.GET("/attendance", h.GetAttendance)
	staff.GET("/attendance/summary", h.AttendanceSummary)
	staff.POST("/attendance", h.MarkAttendance)

	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/users", h.RegisterUser)
	admin.GET("/users", h.ListUsers)
	admin.DELETE("/users/:id", h.DeleteUser)
	admin.GET("/stats", h.Stats)
	admin.POST("/classes", h.CreateClass)
	admin.PUT("/classes/:id/roster", h.UpdateRoster)

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
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

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
