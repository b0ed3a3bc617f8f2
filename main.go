package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deal-processor/config"
	"deal-processor/database"
	"deal-processor/handlers"
	"deal-processor/metrics"
	"deal-processor/rabbitmq"
	"deal-processor/service"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg := config.Load()

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	log.Info("Starting the deal processor service...")

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize service (creates schema)
	dealService := service.NewService(cfg, db)
	if err := dealService.Start(); err != nil {
		log.Fatalf("Failed to start deal service: %v", err)
	}

	metrics.Register()

	// Initialize RabbitMQ subscriber
	subscriber, err := rabbitmq.NewSubscriber(
		cfg.GetRabbitMQURL(),
		cfg.RabbitMQExchange,
		cfg.RabbitMQQueue,
		cfg.RabbitMQPrefetchCount,
	)
	if err != nil {
		log.Fatalf("Failed to initialize RabbitMQ subscriber: %v", err)
	}
	defer subscriber.Close()

	// Define callbacks for the routing keys we consume
	callbacks := map[string]rabbitmq.CallbackFunc{
		cfg.RabbitMQPhotoTextRoutingKey: func(msg *rabbitmq.Message) error {
			return handleBatchMessage(msg, dealService)
		},
	}

	if err := subscriber.Start(callbacks); err != nil {
		log.Fatalf("Failed to start RabbitMQ subscriber: %v", err)
	}

	log.WithFields(log.Fields{
		"exchange":    cfg.RabbitMQExchange,
		"queue":       cfg.RabbitMQQueue,
		"routing_key": cfg.RabbitMQPhotoTextRoutingKey,
	}).Info("Listening for photo text messages")

	// Initialize handlers
	h := handlers.NewHandlers(db, dealService, subscriber)

	// Setup HTTP server
	router := gin.Default()

	// API routes
	api := router.Group("/api/v3")
	{
		api.GET("/health", h.HealthCheck)
		api.GET("/status", h.GetStatus)
		api.POST("/process", h.ProcessBatch)
		api.GET("/deals", h.ListDeals)
		api.GET("/deals/:id", h.GetDeal)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Stop consuming before the HTTP surface goes away
	if err := subscriber.Close(); err != nil {
		log.Warnf("Failed to close subscriber cleanly: %v", err)
	}

	// Create a deadline for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}

// handleBatchMessage processes one queued batch envelope of photo messages.
// Malformed payloads are permanent failures; database errors stay transient
// so the batch is retried once the store recovers.
func handleBatchMessage(msg *rabbitmq.Message, dealService *service.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	inserted, err := dealService.ProcessBatch(ctx, msg.Body)
	if err != nil {
		if errors.Is(err, service.ErrMalformedMessage) {
			return rabbitmq.Permanent(fmt.Errorf("failed to process batch: %w", err))
		}
		return fmt.Errorf("failed to process batch: %w", err)
	}

	log.WithField("inserted", inserted).Info("Successfully processed batch")
	return nil
}
