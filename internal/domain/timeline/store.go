// Postgres persistence for timeline rows.
package timeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PGStore is the pgx-backed Store and UserDirectory.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPGStore creates the store over the shared pool.
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, logger: logger, tracer: otel.Tracer("timeline-store")}
}

// Rows loads all rows for (user, study) ordered by (at, id).
func (s *PGStore) Rows(ctx context.Context, userID, studyID int64) ([]Row, error) {
	ctx, span := s.tracer.Start(ctx, "timeline_rows",
		trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer span.End()

	query := `
		SELECT id, user_id, research_study_id, at, qb_id, qb_recur_id, qb_iteration, status
		FROM questionnaire_bank_timelines
		WHERE user_id = $1 AND research_study_id = $2
		ORDER BY at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, userID, studyID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.UserID, &r.ResearchStudyID, &r.At,
			&r.QBID, &r.RecurID, &r.Iteration, &r.Status); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		r.At = r.At.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasRows reports whether any timeline row exists for (user, study).
func (s *PGStore) HasRows(ctx context.Context, userID, studyID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM questionnaire_bank_timelines
			WHERE user_id = $1 AND research_study_id = $2
		)
	`, userID, studyID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("timeline exists: %w", err)
	}
	return exists, nil
}

// InsertRows persists the batch in one transaction, preserving buffer order
// so tie-broken instants keep their priority.
func (s *PGStore) InsertRows(ctx context.Context, batch []Row) error {
	ctx, span := s.tracer.Start(ctx, "timeline_insert",
		trace.WithAttributes(attribute.Int("rows", len(batch))))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range batch {
		if err := s.insertRow(ctx, tx, &batch[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit timeline: %w", err)
	}
	return nil
}

func (s *PGStore) insertRow(ctx context.Context, tx pgx.Tx, r *Row) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO questionnaire_bank_timelines
		(user_id, research_study_id, at, qb_id, qb_recur_id, qb_iteration, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.UserID, r.ResearchStudyID, r.At.UTC(), r.QBID, r.RecurID, r.Iteration, r.Status).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert timeline row: %w", err)
	}
	return nil
}

// DeleteRows drops the cached timeline for (user, study).
func (s *PGStore) DeleteRows(ctx context.Context, userID, studyID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM questionnaire_bank_timelines
		WHERE user_id = $1 AND research_study_id = $2
	`, userID, studyID)
	if err != nil {
		return fmt.Errorf("delete timeline: %w", err)
	}
	return nil
}

// DeleteAllRows drops every cached timeline in the study; used when a bank
// or protocol definition changes.
func (s *PGStore) DeleteAllRows(ctx context.Context, studyID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM questionnaire_bank_timelines WHERE research_study_id = $1
	`, studyID)
	if err != nil {
		return fmt.Errorf("delete study timelines: %w", err)
	}
	return nil
}

// PatientInfo reports whether the user holds the patient role and whether
// the account is soft-deleted.
func (s *PGStore) PatientInfo(ctx context.Context, userID int64) (bool, bool, error) {
	var isPatient, deleted bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND r.name = 'patient'
		), COALESCE((SELECT deleted FROM users WHERE id = $1), false)
	`, userID).Scan(&isPatient, &deleted)
	if err != nil {
		return false, false, fmt.Errorf("patient info: %w", err)
	}
	return isPatient, deleted, nil
}
