// Package main provides the adherence worker service entry point.
// Consumes invalidation and response events and rebuilds the per-patient
// adherence cache through a bounded worker pool.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/config"
	"github.com/patientflow/go-pro/internal/domain/adherence"
	"github.com/patientflow/go-pro/internal/domain/consent"
	"github.com/patientflow/go-pro/internal/domain/protocol"
	"github.com/patientflow/go-pro/internal/domain/response"
	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/domain/timeline"
	"github.com/patientflow/go-pro/internal/domain/trigger"
	"github.com/patientflow/go-pro/internal/domain/users"
	"github.com/patientflow/go-pro/internal/infrastructure/redis"
	"github.com/patientflow/go-pro/internal/infrastructure/redpanda"
	"github.com/patientflow/go-pro/internal/observability/metrics"
	"github.com/patientflow/go-pro/internal/observability/tracing"
	"github.com/patientflow/go-pro/pkg/workerpool"
)

// expiringSweepInterval is how often rows past valid_till are purged.
const expiringSweepInterval = time.Hour

// rebuildEvent is the shared shape of invalidation and submission events;
// both carry the patient and study identifiers.
type rebuildEvent struct {
	UserID  int64 `json:"user_id"`
	StudyID int64 `json:"research_study_id"`
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	shared := config.Load()
	ctx := context.Background()

	tracer, err := tracing.Init(ctx, tracing.DefaultConfig("adherence-worker"))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer tracer.Shutdown(ctx)
	}

	pool, err := pgxpool.New(ctx, shared.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	redisClient := goredis.NewClient(&goredis.Options{Addr: shared.RedisURL})
	defer redisClient.Close()
	lockCfg := redis.DefaultLockConfig()
	lockCfg.Timeout = shared.LockTimeout
	locks := redis.NewLock(redisClient, lockCfg, logger)
	moderator := redis.NewModerator(redisClient, 5*time.Minute)

	m := metrics.New()
	locks.NotifyTimeout(func(string) { m.LockTimeouts.Inc() })

	// Domain wiring mirrors the status API; the builder reads through the
	// same status layer.
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
	triggerRepo := trigger.NewRepository(pool, logger)
	directory := users.NewPGDirectory(pool, logger)
	cacheStore := adherence.NewPGStore(pool, logger)
	builder := adherence.NewBuilder(statusSvc, ordering, facts, resolver,
		directory, moderator, cacheStore, triggerRepo, logger).WithObserver(m)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = 20

	workerPool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		return rebuild(ctx, task, builder, logger)
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()
	defer workerPool.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = shared.KafkaBrokers
	consumerCfg.GroupID = "adherence-worker"
	consumerCfg.Topics = []string{redpanda.TopicInvalidation, redpanda.TopicResponses}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		m.KafkaMessagesConsumed.Inc()
		task := &workerpool.Task{
			ID:      string(msg.Key),
			Payload: msg.Value,
			Context: ctx,
		}
		return workerPool.Submit(task)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("adherence worker started")

	workerCtx, cancel := context.WithCancel(ctx)
	go purgeLoop(workerCtx, cacheStore, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			if err := redpanda.Ping(r.Context(), shared.KafkaBrokers); err != nil {
				http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		http.ListenAndServe(":"+config.Env("PORT", "8083"), mux)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	consumer.Stop()
	logger.Info("adherence worker stopped")
}

// rebuild refreshes one patient's cache rows.
func rebuild(ctx context.Context, task *workerpool.Task, builder *adherence.Builder,
	logger *zap.Logger) *workerpool.Result {
	payload, ok := task.Payload.([]byte)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false}
	}

	var event rebuildEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Warn("malformed rebuild event", zap.Error(err))
		// Poison messages are dropped, not retried.
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}

	n, err := builder.BuildForPatient(ctx, event.UserID, event.StudyID)
	if err != nil {
		logger.Error("adherence rebuild failed",
			zap.Int64("user_id", event.UserID), zap.Error(err))
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: n}
}

// purgeLoop deletes rows whose valid_till has lapsed.
func purgeLoop(ctx context.Context, store *adherence.PGStore, logger *zap.Logger) {
	ticker := time.NewTicker(expiringSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpiring(ctx, 0)
			if err != nil {
				logger.Error("expired row purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired adherence rows purged", zap.Int64("rows", n))
			}
		}
	}
}
