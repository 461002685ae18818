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

	"giftmarket/config"
	"giftmarket/internal/api"
	"giftmarket/internal/audit"
	"giftmarket/internal/broker"
	"giftmarket/internal/notify"
	"giftmarket/internal/payment"
	"giftmarket/internal/redisclient"
	"giftmarket/internal/service"
	"giftmarket/internal/store"
	"giftmarket/internal/util"
	"giftmarket/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting giftmarket order service")

	tp, err := util.InitTracer("giftmarket", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	auditProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAudit)
	defer auditProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer)
	auditor := audit.NewKafkaRecorder(auditProducer, logger)

	providers := buildProviderRegistry(cfg)

	var sender notify.Sender
	if cfg.Notify.Provider == "rest" {
		sender = notify.NewRESTSender(cfg.Notify.Endpoint, cfg.Notify.APIKey, cfg.Notify.FromEmail)
	} else {
		sender = notify.NewLogSender(logger)
	}

	inventoryService := service.NewInventoryService(db, redisClient, auditor, logger)
	orderService := service.NewOrderService(
		db,
		redisClient,
		inventoryService,
		providers,
		eventPublisher,
		auditor,
		sender,
		logger,
		time.Duration(cfg.Business.ReservationWindowMinutes)*time.Minute,
		cfg.Business.DeliveryMaxAttempts,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	deliveryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	deliveryWorker := worker.NewDeliveryWorker(deliveryConsumer, orderService)
	go func() {
		if err := deliveryWorker.Start(workerCtx); err != nil {
			log.Printf("Delivery worker error: %v", err)
		}
	}()

	sweeper := worker.NewExpirySweeper(orderService, time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second)
	go sweeper.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, inventoryService, providers, logger)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	deliveryWorker.Stop()

	log.Println("Server exited")
}

// buildProviderRegistry wires one adapter per accepted payment method. The
// crypto and pgpay rails have no external gateway and always run on the
// simulated adapter; stripe and paypal use their real adapters unless the
// whole deployment is in sandbox mode.
func buildProviderRegistry(cfg *config.Config) payment.Registry {
	crypto := payment.NewSimulatedProvider("crypto")
	pgpay := payment.NewSimulatedProvider("pgpay")

	if cfg.Payment.Sandbox {
		return payment.NewRegistry(
			payment.NewSimulatedProvider("stripe"),
			payment.NewSimulatedProvider("paypal"),
			crypto,
			pgpay,
		)
	}

	stripe := payment.NewStripeProvider(
		cfg.Payment.StripeBaseURL,
		cfg.Payment.StripeSecretKey,
		cfg.Payment.StripeWebhookSecret,
	)
	paypal := payment.NewPayPalProvider(
		cfg.Payment.PayPalBaseURL,
		cfg.Payment.PayPalClientID,
		cfg.Payment.PayPalClientSecret,
		cfg.Payment.PayPalWebhookID,
		cfg.Payment.PayPalReturnURL,
		cfg.Payment.PayPalCancelURL,
	)
	return payment.NewRegistry(stripe, paypal, crypto, pgpay)
}
