package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canteen-settlement/config"
	"canteen-settlement/internal/api"
	"canteen-settlement/internal/broker"
	"canteen-settlement/internal/redisclient"
	"canteen-settlement/internal/service"
	"canteen-settlement/internal/store"
	"canteen-settlement/internal/util"
	"canteen-settlement/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "canteen-settlement",
	Short: "School canteen settlement service",
	Long: `canteen-settlement settles card purchases at school canteens: it prices
carts from the catalog, debits student and staff wallets within their credit
limits, charges the platform commission to the school and records every sale,
refund and deposit.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.SyncLogger()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	util.GetLogger().Info("Schema applied")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting canteen settlement service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSettlement)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicSettlement))

	settlementService := service.NewSettlementService(service.SettlementDeps{
		Accounts:              db,
		Catalog:               db,
		Credits:               db,
		Rules:                 db,
		Transactions:          db,
		Audit:                 db,
		Intents:               db,
		Settings:              db,
		Statements:            db,
		Events:                broker.NewEventPublisher(producer),
		Locker:                redisClient,
		DefaultCommissionRate: cfg.Business.CommissionRatePercent,
		SellLockTTL:           cfg.Business.SellLockTTL,
		RefundLockTTL:         cfg.Business.RefundLockTTL,
	})
	reconciler := service.NewReconciler(db, db, cfg.Business.ReconcileStaleAfter)

	workerCtx, workerCancel := context.WithCancel(cmd.Context())
	defer workerCancel()

	shortfallConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSettlement, cfg.Kafka.ConsumerGroup)
	shortfallWorker := worker.NewShortfallWorker(shortfallConsumer, reconciler)
	go func() {
		if err := shortfallWorker.Start(workerCtx); err != nil {
			logger.Error("Shortfall worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewIntentSweeper(reconciler, cfg.Business.ReconcileInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			logger.Error("Intent sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(settlementService, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := shortfallWorker.Stop(); err != nil {
		logger.Error("Failed to stop shortfall worker", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}
