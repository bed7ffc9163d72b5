package response

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the response lookup surface the facts and trigger layers consume.
type Store interface {
	// ForVisit returns the responses assigned to (user, bank, iteration),
	// authored order.
	ForVisit(ctx context.Context, userID, bankID int64, iteration *int) ([]QuestionnaireResponse, error)

	// ByDocumentID returns the stored response for the document session, or
	// nil when the session is new.
	ByDocumentID(ctx context.Context, documentID string) (*QuestionnaireResponse, error)

	// History returns every response the user authored against the named
	// questionnaire, oldest first. Trigger evaluation reads current,
	// previous, and initial from it.
	History(ctx context.Context, userID int64, questionnaire string) ([]QuestionnaireResponse, error)
}

// Repository is the pgx-backed response store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates the repository over the shared pool.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger, tracer: otel.Tracer("response-repo")}
}

const responseColumns = `
	id, subject_id, research_study_id, questionnaire_bank_id, qb_iteration,
	questionnaire_name, document_id, authored, status, document, encounter_id,
	completion_at
`

func scanResponse(row pgx.Row) (*QuestionnaireResponse, error) {
	var q QuestionnaireResponse
	err := row.Scan(&q.ID, &q.SubjectID, &q.ResearchStudyID, &q.QuestionnaireBankID,
		&q.QBIteration, &q.QuestionnaireName, &q.DocumentID, &q.Authored,
		&q.Status, &q.Document, &q.EncounterID, &q.CompletionAt)
	if err != nil {
		return nil, err
	}
	q.Authored = q.Authored.UTC()
	return &q, nil
}

func (r *Repository) collect(rows pgx.Rows) ([]QuestionnaireResponse, error) {
	defer rows.Close()
	var out []QuestionnaireResponse
	for rows.Next() {
		q, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// ForVisit loads the responses assigned to the visit triple.
func (r *Repository) ForVisit(ctx context.Context, userID, bankID int64, iteration *int) ([]QuestionnaireResponse, error) {
	ctx, span := r.tracer.Start(ctx, "responses_for_visit")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
		SELECT `+responseColumns+`
		FROM questionnaire_responses
		WHERE subject_id = $1 AND questionnaire_bank_id = $2
		  AND qb_iteration IS NOT DISTINCT FROM $3
		ORDER BY authored ASC, id ASC
	`, userID, bankID, iteration)
	if err != nil {
		return nil, fmt.Errorf("query visit responses: %w", err)
	}
	return r.collect(rows)
}

// ByDocumentID looks up an existing submission session.
func (r *Repository) ByDocumentID(ctx context.Context, documentID string) (*QuestionnaireResponse, error) {
	q, err := scanResponse(r.pool.QueryRow(ctx, `
		SELECT `+responseColumns+`
		FROM questionnaire_responses
		WHERE document_id = $1
	`, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query response by document: %w", err)
	}
	return q, nil
}

// History loads the user's full submission history for one questionnaire.
func (r *Repository) History(ctx context.Context, userID int64, questionnaire string) ([]QuestionnaireResponse, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+responseColumns+`
		FROM questionnaire_responses
		WHERE subject_id = $1 AND questionnaire_name = $2
		ORDER BY authored ASC, id ASC
	`, userID, questionnaire)
	if err != nil {
		return nil, fmt.Errorf("query response history: %w", err)
	}
	return r.collect(rows)
}

// insertTx writes a new response row inside the submission transaction.
func insertTx(ctx context.Context, tx pgx.Tx, q *QuestionnaireResponse) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO questionnaire_responses
		(subject_id, research_study_id, questionnaire_bank_id, qb_iteration,
		 questionnaire_name, document_id, authored, status, document,
		 encounter_id, completion_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, q.SubjectID, q.ResearchStudyID, q.QuestionnaireBankID, q.QBIteration,
		q.QuestionnaireName, q.DocumentID, q.Authored.UTC(), q.Status,
		q.Document, q.EncounterID, q.CompletionAt).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// updateTx refreshes a resumed session. The (bank, iteration) pair is
// deliberately absent from the SET list.
func updateTx(ctx context.Context, tx pgx.Tx, q *QuestionnaireResponse) error {
	_, err := tx.Exec(ctx, `
		UPDATE questionnaire_responses
		SET authored = $2, status = $3, document = $4, completion_at = $5
		WHERE id = $1
	`, q.ID, q.Authored.UTC(), q.Status, q.Document, q.CompletionAt)
	if err != nil {
		return fmt.Errorf("update response: %w", err)
	}
	return nil
}
