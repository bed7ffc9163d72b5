package adherence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PGStore is the pgx-backed adherence cache.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPGStore creates the store.
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, logger: logger, tracer: otel.Tracer("adherence-store")}
}

// Upsert writes or refreshes the row keyed by (patient, rs_id_visit).
func (s *PGStore) Upsert(ctx context.Context, row *Row) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO adherence_data (patient_id, rs_id_visit, valid_till, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id, rs_id_visit)
		DO UPDATE SET valid_till = EXCLUDED.valid_till, data = EXCLUDED.data
		RETURNING id
	`, row.PatientID, row.RSIDVisit, row.ValidTill.UTC(), row.Data).Scan(&row.ID)
	if err != nil {
		return fmt.Errorf("upsert adherence row: %w", err)
	}
	return nil
}

// Exists reports whether a live row is cached for the visit key.
func (s *PGStore) Exists(ctx context.Context, patientID int64, rsIDVisit string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM adherence_data
			WHERE patient_id = $1 AND rs_id_visit = $2 AND valid_till > now()
		)
	`, patientID, rsIDVisit).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("adherence exists: %w", err)
	}
	return exists, nil
}

// TouchPatientList refreshes the denormalized list row unless updated within
// the floor. Returns whether a refresh happened.
func (s *PGStore) TouchPatientList(ctx context.Context, patientID int64, floor time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE patient_list SET refreshed_at = now()
		WHERE patient_id = $1 AND refreshed_at < now() - $2::interval
	`, patientID, fmt.Sprintf("%d seconds", int(floor.Seconds())))
	if err != nil {
		return false, fmt.Errorf("touch patient list: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpiring drops rows whose valid_till falls within the window,
// prompting a rebuild on next read.
func (s *PGStore) DeleteExpiring(ctx context.Context, within time.Duration) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "adherence_delete_expiring")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM adherence_data WHERE valid_till < now() + $1::interval
	`, fmt.Sprintf("%d seconds", int(within.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("delete expiring adherence rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteForPatient invalidates the patient's cached rows.
func (s *PGStore) DeleteForPatient(ctx context.Context, patientID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM adherence_data WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("delete adherence rows: %w", err)
	}
	return nil
}

// Stream yields the live rows for the study (optionally one organization)
// one at a time; the report handler serializes them without buffering the
// whole set.
func (s *PGStore) Stream(ctx context.Context, studyID int64, orgID *int64, yield func(Row) error) error {
	ctx, span := s.tracer.Start(ctx, "adherence_stream")
	defer span.End()

	query := `
		SELECT a.id, a.patient_id, a.rs_id_visit, a.valid_till, a.data
		FROM adherence_data a
		WHERE a.rs_id_visit LIKE $1 || ':%' AND a.valid_till > now()
	`
	args := []interface{}{studyID}
	if orgID != nil {
		query += ` AND (a.data ->> 'site_id')::bigint = $2`
		args = append(args, *orgID)
	}
	query += ` ORDER BY a.patient_id ASC, a.rs_id_visit ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query adherence report: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.PatientID, &r.RSIDVisit, &r.ValidTill, &r.Data); err != nil {
			return fmt.Errorf("scan adherence row: %w", err)
		}
		if err := yield(r); err != nil {
			return err
		}
	}
	return rows.Err()
}
