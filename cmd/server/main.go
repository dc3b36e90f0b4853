package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/swiftcart/escrow-api/internal/audit"
	"github.com/swiftcart/escrow-api/internal/auth"
	"github.com/swiftcart/escrow-api/internal/clock"
	"github.com/swiftcart/escrow-api/internal/config"
	"github.com/swiftcart/escrow-api/internal/database"
	"github.com/swiftcart/escrow-api/internal/escrow"
	"github.com/swiftcart/escrow-api/internal/gateway"
	"github.com/swiftcart/escrow-api/internal/scheduler"
	"github.com/swiftcart/escrow-api/internal/webhook"
	"github.com/swiftcart/escrow-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the escrow API server with graceful
// shutdown support. It sets up the ledger store, the settlement
// engine, webhook ingestion and the auto-release scheduler.
func main() {
	cfg := config.New()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestCustomerKey, auth.TestCustomerSecret, auth.RoleCustomer)
	authService.RegisterAPICredentials(auth.TestDriverKey, auth.TestDriverSecret, auth.RoleDriver)
	authService.RegisterAPICredentials(auth.TestAdminKey, auth.TestAdminSecret, auth.RoleAdmin)

	auditSink := audit.NewSink(db)
	gatewayClient := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey)

	escrowService := escrow.NewService(db, gatewayClient, auditSink, clock.NewSystem(), cfg.ConfirmationWindow)
	escrowHandlers := escrow.NewGinHandlers(escrowService)

	webhookHandler := webhook.NewHandler(escrowService, cfg.WebhookSecret)

	// Create and start auto-release scheduler
	autoRelease := scheduler.NewScheduler(escrowService, clock.NewSystem(), cfg.ReleaseInterval)
	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()

	go autoRelease.Start(schedulerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, escrowHandlers, webhookHandler)

	// Create server
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Escrow/order routes: Protected by JWT authentication
// - Webhook route: Protected by HMAC signature verification, not JWT
// - Admin routes: Protected by JWT authentication plus the admin role
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
	webhookHandler *webhook.Handler,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Webhook route: the gateway signs the body, no JWT
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/gateway", webhookHandler.GatewayWebhookHandler())
		}

		// Escrow and order routes
		escrows := v1.Group("/escrows")
		escrows.Use(middleware.JWTAuth(jwtSecret))
		{
			escrows.POST("", escrowHandlers.CreateEscrowHandler())
			escrows.GET("/order/:order_id", escrowHandlers.GetEscrowByOrderHandler())
			escrows.POST("/:escrow_id/dispute", escrowHandlers.DisputeHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", escrowHandlers.CreateOrderHandler())
			orders.POST("/:order_id/delivered", escrowHandlers.MarkDeliveredHandler())
			orders.POST("/:order_id/confirm", escrowHandlers.ConfirmReceiptHandler())
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtSecret), middleware.RequireRole(auth.RoleAdmin))
		{
			admin.GET("/escrows", escrowHandlers.AdminListEscrowsHandler())
			admin.GET("/escrows/:escrow_id/transactions", escrowHandlers.GetEscrowTransactionsHandler())
			admin.POST("/orders/:order_id/release", escrowHandlers.AdminReleaseHandler())
			admin.POST("/escrows/:escrow_id/refund", escrowHandlers.AdminRefundHandler())
			admin.POST("/escrows/:escrow_id/resolve", escrowHandlers.AdminResolveDisputeHandler())
			admin.POST("/recipients", escrowHandlers.AdminRegisterRecipientHandler())
		}
	}
}
