package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rmcam/tabanok-backend/internal/config"
	"github.com/rmcam/tabanok-backend/internal/db"
	"github.com/rmcam/tabanok-backend/internal/handler"
	"github.com/rmcam/tabanok-backend/internal/service"
	"github.com/rmcam/tabanok-backend/internal/token"
)

// @title Tabanok Auth API
// @version 1.0
// @description Authentication and session endpoints for the Tabanok platform.
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	pool, err := db.NewPostgresPool(ctx)
	if err != nil {
		log.Fatalf("postgres init failed: %v", err)
	}
	defer pool.Close()

	repo := db.NewPostgres(pool)

	codec, err := token.NewCodec(cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("JWT_SECRET is required: %v", err)
	}

	authService, err := service.NewAuthService(repo, codec, cfg.Auth)
	if err != nil {
		log.Fatalf("auth service init failed: %v", err)
	}

	if err := repo.EnsureAuthSchema(ctx); err != nil {
		log.Fatalf("auth schema init failed: %v", err)
	}

	if cfg.Auth.AdminEmail != "" || cfg.Auth.AdminPassword != "" {
		if err := authService.EnsureAdmin(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
			log.Fatalf("admin seed failed: %v", err)
		}
	}

	gcInterval, err := time.ParseDuration(cfg.Auth.RevokedTokenGC)
	if err != nil {
		log.Fatalf("invalid REVOKED_TOKEN_GC: %v", err)
	}
	if gcInterval > 0 {
		go authService.RunRevokedTokenGC(ctx, gcInterval)
	}

	router := gin.Default()
	router.Use(handler.CORSMiddleware(cfg.Server.CORSAllowedOrigins, true))

	router.GET("/", handler.Root)
	router.GET("/ping", handler.Ping)
	router.GET("/openapi.json", handler.OpenAPIDoc)

	authHandler := handler.NewAuthHandler(authService)

	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
	}

	protected := router.Group("/api/v1")
	protected.Use(handler.AuthMiddleware(authService))
	{
		protected.GET("/auth/me", authHandler.Me)
	}

	log.Printf("listening on %s", cfg.Server.Addr)
	if err := router.Run(cfg.Server.Addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
