// Package main provides the status API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/api/handlers"
	"github.com/patientflow/go-pro/internal/api/middleware"
	"github.com/patientflow/go-pro/internal/config"
	"github.com/patientflow/go-pro/internal/domain/adherence"
	"github.com/patientflow/go-pro/internal/domain/consent"
	"github.com/patientflow/go-pro/internal/domain/protocol"
	"github.com/patientflow/go-pro/internal/domain/response"
	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/domain/timeline"
	"github.com/patientflow/go-pro/internal/domain/trigger"
	"github.com/patientflow/go-pro/internal/infrastructure/postgres"
	"github.com/patientflow/go-pro/internal/infrastructure/redis"
	"github.com/patientflow/go-pro/internal/infrastructure/redpanda"
	"github.com/patientflow/go-pro/internal/observability/metrics"
	"github.com/patientflow/go-pro/internal/observability/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	shared := config.Load()
	port := config.Env("PORT", "8081")

	ctx := context.Background()

	// Tracing
	tracer, err := tracing.Init(ctx, tracing.DefaultConfig("status-api"))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer tracer.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, shared.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Redis locks and moderation
	redisClient := goredis.NewClient(&goredis.Options{Addr: shared.RedisURL})
	defer redisClient.Close()
	lockCfg := redis.DefaultLockConfig()
	lockCfg.Timeout = shared.LockTimeout
	locks := redis.NewLock(redisClient, lockCfg, logger)
	moderator := redis.NewModerator(redisClient, 30*time.Second)

	// Kafka producer for the hosted outbox relay and audit events
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = shared.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// Seed the event streams so a fresh environment comes up usable.
	if admin, err := redpanda.NewAdmin(shared.KafkaBrokers, logger); err != nil {
		logger.Warn("topic admin unavailable", zap.Error(err))
	} else {
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Warn("topic bootstrap failed", zap.Error(err))
		}
		admin.Close()
	}

	m := metrics.New()
	locks.NotifyTimeout(func(string) { m.LockTimeouts.Inc() })

	// Domain wiring, leaves first.
	registry := protocol.NewRegistry(pool, logger)
	consentRepo := consent.NewRepository(pool, logger)
	resolver := consent.NewResolver(consentRepo, logger)
	responseRepo := response.NewRepository(pool, logger)
	facts := response.NewFacts(responseRepo)
	ordering := schedule.NewOrdering(registry, resolver, facts, logger)
	timelineStore := timeline.NewPGStore(pool, logger)
	materializer := timeline.NewMaterializer(ordering, resolver, facts,
		timelineStore, timelineStore, locks, logger).WithObserver(m)
	statusSvc := timeline.NewStatusService(materializer, timelineStore, ordering,
		resolver, facts, logger)
	responseSvc := response.NewService(pool, responseRepo, ordering, materializer, logger)
	triggerRepo := trigger.NewRepository(pool, logger)
	adherenceStore := adherence.NewPGStore(pool, logger)

	// Handlers
	statusHandler := handlers.NewStatusHandler(statusSvc, triggerRepo, logger)
	responseHandler := handlers.NewResponseHandler(responseSvc, logger).WithObserver(m)
	consentHandler := handlers.NewConsentHandler(consentRepo, materializer, moderator, producer, logger)
	adherenceHandler := handlers.NewAdherenceHandler(adherenceStore, logger)

	// Hosted outbox relay: domain writes and their events commit together;
	// the relay publishes to Kafka.
	outbox := postgres.NewOutbox(pool, &producerAdapter{producer}, postgres.DefaultOutboxConfig(), logger).WithObserver(m)
	outbox.Start()
	defer outbox.Stop()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("status-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(config.APIKeys()))
		r.Mount("/patients", patientRoutes(statusHandler, responseHandler, consentHandler))
		r.Mount("/studies", adherenceHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting status API", zap.String("port", port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// patientRoutes merges the per-patient handlers under one mount.
func patientRoutes(status *handlers.StatusHandler, responses *handlers.ResponseHandler,
	consents *handlers.ConsentHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/{userID}/studies/{studyID}/status", status.PatientStatus)
	r.Get("/{userID}/trigger", status.TriggerState)
	r.Post("/{userID}/studies/{studyID}/responses", responses.Submit)
	r.Post("/{userID}/studies/{studyID}/consents", consents.Record)
	r.Delete("/{userID}/studies/{studyID}/consents", consents.Delete)
	return r
}

// producerAdapter adapts the Redpanda producer to OutboxPublisher interface
type producerAdapter struct {
	producer *redpanda.Producer
}

func (a *producerAdapter) Publish(ctx context.Context, topic, key string, value []byte) error {
	return a.producer.ProduceMessage(ctx, topic, key, value)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"status-api","version":"1.0.0"}`)
}
