package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/consumers"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/events"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/handler"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/authz"
	"github.com/pharmatrack/pharmatrack-backend/pkg/config"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/httputil"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/mailer"
	"github.com/pharmatrack/pharmatrack-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("tracking-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("tracking-service", cfg.Server.Environment)
	log.Info().Msg("starting Tracking Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	if err := rmq.DeclareDeadLetterQueue("tracking-service"); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}

	// Initialize event publisher
	publisher, err := events.NewTrackingEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Initialize repositories
	drugRepo := repository.NewDrugRepository(db)
	movementRepo := repository.NewMovementRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	userCacheRepo := repository.NewUserCacheRepository(db)

	// Initialize services
	alertService := service.NewAlertService(alertRepo, publisher, cfg.Alerts.ExpiryWindow, cfg.Alerts.CriticalWindow, log)
	drugService := service.NewDrugService(drugRepo, alertService, publisher, cfg.Alerts.ExpiryWindow, log)
	movementService := service.NewMovementService(movementRepo, drugRepo, userCacheRepo, alertService, publisher, log)
	reportService := service.NewReportService(drugRepo, movementRepo, alertRepo, cfg.Alerts.ExpiryWindow, cfg.Alerts.CriticalWindow, log)

	// Initialize handlers
	drugHandler := handler.NewDrugHandler(drugService, log)
	movementHandler := handler.NewMovementHandler(movementService, log)
	alertHandler := handler.NewAlertHandler(alertService, log)
	reportHandler := handler.NewReportHandler(reportService, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start user event consumer
	userConsumer, err := consumers.NewUserEventConsumer(rmq, userCacheRepo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create user event consumer")
	}
	if err := userConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start user event consumer")
	}

	// Start the periodic alert sweep
	mail := mailer.New(&cfg.SMTP, log)
	sweeper := service.NewAlertSweeper(drugRepo, userCacheRepo, alertService, mail,
		cfg.Alerts.SweepInterval, cfg.Alerts.EmailEnabled, log)
	sweeper.Start(ctx)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "tracking-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1/tracking", func(r chi.Router) {
		r.Use(httputil.Auth(&cfg.JWT))

		// Drug routes
		r.Route("/drugs", func(r chi.Router) {
			r.With(authz.Require(authz.OpDrugRead)).Get("/", drugHandler.List)
			r.With(authz.Require(authz.OpDrugRead)).Get("/qr", drugHandler.GetByQR)
			r.With(authz.Require(authz.OpDrugRead)).Get("/low-stock", drugHandler.LowStock)
			r.With(authz.Require(authz.OpDrugRead)).Get("/expiring", drugHandler.Expiring)
			r.With(authz.Require(authz.OpDrugRead)).Get("/stats", drugHandler.Stats)
			r.With(authz.Require(authz.OpDrugWrite)).Post("/", drugHandler.Create)
			r.With(authz.Require(authz.OpDrugRead)).Get("/{id}", drugHandler.Get)
			r.With(authz.Require(authz.OpDrugWrite)).Put("/{id}", drugHandler.Update)
			r.With(authz.Require(authz.OpDrugWrite)).Post("/{id}/qr", drugHandler.RegenerateQR)
			r.With(authz.Require(authz.OpDrugDelete)).Delete("/{id}", drugHandler.Delete)
		})

		// Movement routes
		r.Route("/movements", func(r chi.Router) {
			r.With(authz.Require(authz.OpMovementRead)).Get("/", movementHandler.List)
			r.With(authz.Require(authz.OpMovementRead)).Get("/stats", movementHandler.Stats)
			r.With(authz.Require(authz.OpMovementCreate)).Post("/", movementHandler.Create)
			r.With(authz.Require(authz.OpMovementRead)).Get("/{id}", movementHandler.Get)
			// Per-status authorization happens in the handler
			r.With(authz.Require(authz.OpMovementRead)).Patch("/{id}/status", movementHandler.Transition)
			r.With(authz.Require(authz.OpMovementScan)).Post("/{id}/scan", movementHandler.Scan)
			r.With(authz.Require(authz.OpMovementAssign)).Post("/{id}/assign", movementHandler.AssignDriver)
		})

		// Alert routes
		r.Route("/alerts", func(r chi.Router) {
			r.With(authz.Require(authz.OpAlertRead)).Get("/", alertHandler.List)
			r.With(authz.Require(authz.OpAlertRead)).Get("/unread-count", alertHandler.UnreadCount)
			r.With(authz.Require(authz.OpAlertCreate)).Post("/", alertHandler.Create)
			r.With(authz.Require(authz.OpAlertRead)).Get("/{id}", alertHandler.Get)
			r.With(authz.Require(authz.OpAlertRead)).Put("/{id}/read", alertHandler.MarkRead)
			r.With(authz.Require(authz.OpAlertRead)).Put("/read-all", alertHandler.MarkAllRead)
			r.With(authz.Require(authz.OpAlertResolve)).Put("/{id}/resolve", alertHandler.Resolve)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.With(authz.Require(authz.OpReportRead)).Get("/inventory", reportHandler.Inventory)
			r.With(authz.Require(authz.OpReportRead)).Get("/movements", reportHandler.Movements)
			r.With(authz.Require(authz.OpReportRead)).Get("/expiry", reportHandler.Expiry)
			r.With(authz.Require(authz.OpReportConsumption)).Get("/consumption", reportHandler.Consumption)
		})

		// Dashboard is open to every authenticated role
		r.Get("/dashboard", reportHandler.Dashboard)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stop background workers and consumers
	sweeper.Stop()
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
