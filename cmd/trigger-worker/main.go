// Package main provides the trigger worker service entry point.
// Consumes response events, evaluates trigger conditions, and fires
// notifications.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/config"
	"github.com/patientflow/go-pro/internal/domain/response"
	"github.com/patientflow/go-pro/internal/domain/trigger"
	"github.com/patientflow/go-pro/internal/domain/users"
	"github.com/patientflow/go-pro/internal/infrastructure/redis"
	"github.com/patientflow/go-pro/internal/infrastructure/redpanda"
	"github.com/patientflow/go-pro/internal/messaging"
	"github.com/patientflow/go-pro/internal/observability/metrics"
	"github.com/patientflow/go-pro/internal/observability/tracing"
	"github.com/patientflow/go-pro/internal/proerr"
	"github.com/patientflow/go-pro/pkg/circuitbreaker"
	"github.com/patientflow/go-pro/pkg/idempotency"
)

// substudyInstrument is the monthly sub-study questionnaire scored for
// triggers.
const substudyInstrument = "ironman_ss"

const (
	fireInterval     = time.Minute
	reminderInterval = time.Hour
)

// defaultQuestionBank maps sub-study link IDs onto scored domains. The
// instrument carries one five-option question per domain.
func defaultQuestionBank() trigger.QuestionBank {
	qb := trigger.QuestionBank{}
	for i, domain := range trigger.Domains {
		linkID := fmt.Sprintf("%s.%d", substudyInstrument, i+1)
		qb[linkID] = trigger.QuestionInfo{Domain: domain, OptionCount: 5}
	}
	return qb
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	shared := config.Load()
	ctx := context.Background()

	tracer, err := tracing.Init(ctx, tracing.DefaultConfig("trigger-worker"))
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

	// Per-user evaluation waits; the singleton sweeps never do.
	evalLockCfg := redis.DefaultLockConfig()
	evalLockCfg.Timeout = shared.LockTimeout
	evalLocks := redis.NewLock(redisClient, evalLockCfg, logger)

	sweepLockCfg := redis.DefaultLockConfig()
	sweepLockCfg.Timeout = 0
	sweepLocks := redis.NewLock(redisClient, sweepLockCfg, logger)

	m := metrics.New()
	evalLocks.NotifyTimeout(func(string) { m.LockTimeouts.Inc() })

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = shared.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// Email dispatch goes through the breaker; a failed send is recorded on
	// the trigger state and never blocks it.
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("email-transport"), logger)
	if err != nil {
		logger.Fatal("breaker creation failed", zap.Error(err))
	}
	breaker.Notify(func(name string, state circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(circuitbreaker.StateValue(state))
	})
	transport := messaging.NewStreamTransport(producer, breaker, logger)
	mailer := messaging.NewMailer(messaging.DefaultTemplates(), transport, logger)

	triggerRepo := trigger.NewRepository(pool, logger)
	responseRepo := response.NewRepository(pool, logger)
	directory := users.NewPGDirectory(pool, logger)
	evaluator := trigger.NewEvaluator(triggerRepo, responseRepo, defaultQuestionBank(),
		evalLocks, substudyInstrument, logger)
	fireJob := trigger.NewFireJob(triggerRepo, mailer, directory, sweepLocks, logger).
		WithObserver(m)
	fireJob.ResourcesURL = config.Env("RESOURCES_URL", "https://patientflow.example.org/resources")
	reminderJob := trigger.NewReminderJob(triggerRepo, mailer, directory, sweepLocks, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = shared.KafkaBrokers
	consumerCfg.GroupID = "trigger-worker"
	consumerCfg.Topics = []string{redpanda.TopicTriggers}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		m.KafkaMessagesConsumed.Inc()
		return handleEvent(ctx, msg.Value, evaluator, inbox, logger)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("trigger worker started")

	workerCtx, cancel := context.WithCancel(ctx)
	go runSweeps(workerCtx, fireJob, reminderJob, logger)

	// Health endpoint for orchestration probes.
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
		http.ListenAndServe(":"+config.Env("PORT", "8082"), mux)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	consumer.Stop()
	inbox.Stop()
	logger.Info("trigger worker stopped")
}

// handleEvent runs the trigger evaluation for one submitted response,
// exactly once.
func handleEvent(ctx context.Context, payload []byte, evaluator *trigger.Evaluator,
	inbox *idempotency.Inbox, logger *zap.Logger) error {
	var event response.SubmittedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Warn("malformed trigger event", zap.Error(err))
		return nil
	}
	if event.Questionnaire != substudyInstrument || event.Status != "completed" {
		return nil
	}

	visitMonth := 0
	if event.Iteration != nil {
		visitMonth = *event.Iteration
	}

	key := idempotency.GenerateKey(strconv.FormatInt(event.UserID, 10),
		event.Questionnaire, event.Authored)
	_, err := inbox.Process(ctx, key, "evaluate_triggers", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			state, err := evaluate(ctx, evaluator, event.UserID, visitMonth, event.ResponseID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(state)
		})
	if errors.Is(err, proerr.ErrTransitionNotAllowed) {
		// A replayed event against an already-processed visit; drop it.
		logger.Warn("trigger evaluation skipped",
			zap.Int64("user_id", event.UserID),
			zap.Int("visit_month", visitMonth),
			zap.Error(err))
		return nil
	}
	return err
}

// evaluate opens the visit-month on first contact, then runs the machine to
// processed.
func evaluate(ctx context.Context, evaluator *trigger.Evaluator, userID int64,
	visitMonth int, responseID int64) (*trigger.TriggerState, error) {
	state, err := evaluator.Process(ctx, userID, visitMonth, responseID)
	if !errors.Is(err, proerr.ErrNotFound) {
		return state, err
	}
	if _, err := evaluator.InitialAvailable(ctx, userID, visitMonth); err != nil {
		return nil, err
	}
	return evaluator.Process(ctx, userID, visitMonth, responseID)
}

func runSweeps(ctx context.Context, fireJob *trigger.FireJob, reminderJob *trigger.ReminderJob, logger *zap.Logger) {
	fireTicker := time.NewTicker(fireInterval)
	defer fireTicker.Stop()
	reminderTicker := time.NewTicker(reminderInterval)
	defer reminderTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fireTicker.C:
			if err := fireJob.Run(ctx); err != nil {
				logger.Error("fire sweep failed", zap.Error(err))
			}
		case <-reminderTicker.C:
			if err := reminderJob.Run(ctx); err != nil {
				logger.Error("reminder sweep failed", zap.Error(err))
			}
		}
	}
}
