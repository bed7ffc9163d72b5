package response

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/fhir/r4"
	"github.com/patientflow/go-pro/internal/infrastructure/postgres"
	"github.com/patientflow/go-pro/internal/proerr"
)

// Kafka topics the submission flow publishes to through the outbox.
const (
	TopicResponses = "pro.responses"
	TopicTriggers  = "pro.triggers"
)

// Invalidator clears the user's cached timeline after a submission.
type Invalidator interface {
	Invalidate(ctx context.Context, userID, studyID int64) error
}

// SubmittedEvent is the payload published on TopicResponses.
type SubmittedEvent struct {
	ResponseID    int64     `json:"response_id"`
	UserID        int64     `json:"user_id"`
	StudyID       int64     `json:"research_study_id"`
	Questionnaire string    `json:"questionnaire"`
	Status        string    `json:"status"`
	Authored      time.Time `json:"authored"`
	BankID        *int64    `json:"qb_id,omitempty"`
	Iteration     *int      `json:"qb_iteration,omitempty"`
}

// Service accepts FHIR QuestionnaireResponse payloads, assigns them to a
// visit, and persists them together with their outbox events.
type Service struct {
	pool     *pgxpool.Pool
	store    Store
	ordering *schedule.Ordering
	timeline Invalidator
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires the submission flow.
func NewService(pool *pgxpool.Pool, store Store, ordering *schedule.Ordering,
	timeline Invalidator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:     pool,
		store:    store,
		ordering: ordering,
		timeline: timeline,
		logger:   logger,
		tracer:   otel.Tracer("response-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit parses and validates the payload, assigns the visit, persists the
// response, and invalidates the cached timeline. The returned response
// carries the assigned (bank, iteration) pair, or neither when the
// submission is unclassified.
func (s *Service) Submit(ctx context.Context, userID, studyID int64, payload []byte) (*QuestionnaireResponse, error) {
	ctx, span := s.tracer.Start(ctx, "submit_response",
		trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer span.End()

	var doc r4.QuestionnaireResponse
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, proerr.Wrap(proerr.ErrValidation, "malformed questionnaire response: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if doc.QuestionnaireName() == "" {
		return nil, proerr.Wrap(proerr.ErrValidation, "questionnaire reference is required")
	}
	if subject := doc.SubjectID(); subject != "" {
		id, err := strconv.ParseInt(subject, 10, 64)
		if err != nil || id != userID {
			return nil, proerr.Wrap(proerr.ErrValidation, "subject %q does not match user %d", subject, userID)
		}
	}

	authored := s.now()
	if doc.Authored != "" {
		parsed, err := r4.ParseDateTime(doc.Authored)
		if err != nil {
			return nil, err
		}
		authored = parsed.Time
	}

	qnr := &QuestionnaireResponse{
		SubjectID:         userID,
		ResearchStudyID:   studyID,
		QuestionnaireName: doc.QuestionnaireName(),
		DocumentID:        documentID(&doc),
		Authored:          authored,
		Status:            doc.Status,
		Document:          json.RawMessage(payload),
	}
	if qnr.Completed() {
		at := authored
		if override := doc.CompletionDate(); override != nil {
			at = override.Time
		}
		qnr.CompletionAt = &at
	}

	existing, err := s.store.ByDocumentID(ctx, qnr.DocumentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Resumed session: the visit assignment made at first submission
		// sticks.
		qnr.ID = existing.ID
		qnr.QuestionnaireBankID = existing.QuestionnaireBankID
		qnr.QBIteration = existing.QBIteration
	} else if err := s.assignVisit(ctx, userID, studyID, qnr); err != nil {
		return nil, err
	}

	if err := s.persist(ctx, qnr, existing != nil); err != nil {
		return nil, err
	}

	if err := s.timeline.Invalidate(ctx, userID, studyID); err != nil {
		s.logger.Error("timeline invalidation after submission failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	return qnr, nil
}

// assignVisit binds the response to the visit open at its authored instant.
// Submissions that match no open visit containing the instrument stay
// unclassified.
func (s *Service) assignVisit(ctx context.Context, userID, studyID int64, qnr *QuestionnaireResponse) error {
	visits, err := s.ordering.Ordered(ctx, userID, studyID, schedule.Options{})
	if err != nil {
		return err
	}
	for i := range visits {
		qbd := &visits[i]
		if !qbd.OpenAt(qnr.Authored) || !qbd.Bank.Contains(qnr.QuestionnaireName) {
			continue
		}
		bankID := qbd.Bank.ID
		qnr.QuestionnaireBankID = &bankID
		qnr.QBIteration = qbd.Iteration
		return nil
	}

	indef, err := s.ordering.Indefinite(ctx, userID, studyID)
	if err != nil {
		return err
	}
	if indef != nil && indef.Bank.Contains(qnr.QuestionnaireName) {
		bankID := indef.Bank.ID
		qnr.QuestionnaireBankID = &bankID
		return nil
	}

	s.logger.Warn("unclassified questionnaire response",
		zap.Int64("user_id", userID),
		zap.String("questionnaire", qnr.QuestionnaireName),
		zap.Time("authored", qnr.Authored))
	return nil
}

// persist writes the response and its outbox events in one transaction.
func (s *Service) persist(ctx context.Context, qnr *QuestionnaireResponse, resumed bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return proerr.Wrap(proerr.ErrMessagingFailure, "begin submission tx: %v", err)
	}
	defer tx.Rollback(ctx)

	if resumed {
		err = updateTx(ctx, tx, qnr)
	} else {
		err = insertTx(ctx, tx, qnr)
	}
	if err != nil {
		return err
	}

	event := SubmittedEvent{
		ResponseID:    qnr.ID,
		UserID:        qnr.SubjectID,
		StudyID:       qnr.ResearchStudyID,
		Questionnaire: qnr.QuestionnaireName,
		Status:        qnr.Status,
		Authored:      qnr.Authored,
		BankID:        qnr.QuestionnaireBankID,
		Iteration:     qnr.QBIteration,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	key := strconv.FormatInt(qnr.SubjectID, 10)
	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   strconv.FormatInt(qnr.ID, 10),
		AggregateType: "questionnaire_response",
		EventType:     "response.submitted",
		Payload:       body,
		KafkaTopic:    TopicResponses,
		KafkaKey:      key,
	}); err != nil {
		return err
	}

	// Completed responses get trigger evaluation scheduled alongside.
	if qnr.Completed() {
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   strconv.FormatInt(qnr.ID, 10),
			AggregateType: "questionnaire_response",
			EventType:     "trigger.evaluate",
			Payload:       body,
			KafkaTopic:    TopicTriggers,
			KafkaKey:      key,
		}); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// documentID returns the submission's stable session identifier, minting one
// for payloads that carry none.
func documentID(doc *r4.QuestionnaireResponse) string {
	if doc.ID != "" {
		return doc.ID
	}
	if doc.Identifier != nil && doc.Identifier.Value != "" {
		return doc.Identifier.Value
	}
	return uuid.NewString()
}
