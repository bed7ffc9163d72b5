// Package consent tracks user consent history and derives the trigger date
// every visit offset is measured from.
package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Status of a consent row.
type Status string

const (
	StatusConsented Status = "consented"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// UserConsent is one row of a user's consent history within a study.
// History is insertion-ordered; the most recent non-deleted row determines
// the current consent, and a most-recent suspended row marks withdrawal.
type UserConsent struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	OrganizationID  int64     `json:"organization_id"`
	ResearchStudyID int64     `json:"research_study_id"`
	AcceptanceDate  time.Time `json:"acceptance_date"`
	Status          Status    `json:"status"`
	AuditID         int64     `json:"audit_id"`
}

// History is the consent lookup surface the resolver and timeline consume.
type History interface {
	// ConsentHistory returns all consent rows for (user, study) in insertion
	// order, deleted rows included.
	ConsentHistory(ctx context.Context, userID, studyID int64) ([]UserConsent, error)
}

// Repository is the pgx-backed consent store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a consent repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// ConsentHistory loads the full insertion-ordered history.
func (r *Repository) ConsentHistory(ctx context.Context, userID, studyID int64) ([]UserConsent, error) {
	query := `
		SELECT id, user_id, organization_id, research_study_id, acceptance_date, status, audit_id
		FROM user_consents
		WHERE user_id = $1 AND research_study_id = $2
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query, userID, studyID)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer rows.Close()

	var out []UserConsent
	for rows.Next() {
		var uc UserConsent
		if err := rows.Scan(&uc.ID, &uc.UserID, &uc.OrganizationID, &uc.ResearchStudyID,
			&uc.AcceptanceDate, &uc.Status, &uc.AuditID); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		uc.AcceptanceDate = uc.AcceptanceDate.UTC()
		out = append(out, uc)
	}
	return out, rows.Err()
}

// Insert appends a consent row. Consent history is append-only; status
// changes and soft deletes arrive as new rows.
func (r *Repository) Insert(ctx context.Context, uc *UserConsent) error {
	query := `
		INSERT INTO user_consents (user_id, organization_id, research_study_id, acceptance_date, status, audit_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query, uc.UserID, uc.OrganizationID, uc.ResearchStudyID,
		uc.AcceptanceDate.UTC(), uc.Status, uc.AuditID).Scan(&uc.ID)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	r.logger.Info("consent recorded",
		zap.Int64("user_id", uc.UserID),
		zap.Int64("study_id", uc.ResearchStudyID),
		zap.String("status", string(uc.Status)))
	return nil
}
