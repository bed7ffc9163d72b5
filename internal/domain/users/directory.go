// Package users resolves patient and staff contact details for
// notifications and reporting.
package users

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/adherence"
	"github.com/patientflow/go-pro/internal/proerr"
)

// PGDirectory is the pgx-backed user lookup shared by the trigger fire job
// and the adherence builder.
type PGDirectory struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGDirectory creates the directory over the shared pool.
func NewPGDirectory(pool *pgxpool.Pool, logger *zap.Logger) *PGDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGDirectory{pool: pool, logger: logger}
}

// PatientContact returns the patient's display name and email address.
func (d *PGDirectory) PatientContact(ctx context.Context, userID int64) (string, string, error) {
	var name, email string
	err := d.pool.QueryRow(ctx, `
		SELECT COALESCE(NULLIF(trim(concat(first_name, ' ', last_name)), ''), email), email
		FROM users
		WHERE id = $1 AND NOT deleted
	`, userID).Scan(&name, &email)
	if err == pgx.ErrNoRows {
		return "", "", proerr.Wrap(proerr.ErrNotFound, "user %d", userID)
	}
	if err != nil {
		return "", "", fmt.Errorf("patient contact: %w", err)
	}
	return name, email, nil
}

// StaffEmails returns the care-team addresses for the patient's
// organizations. Staff who opted out of clinician emails are excluded.
func (d *PGDirectory) StaffEmails(ctx context.Context, userID int64) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT DISTINCT s.email
		FROM users s
		JOIN user_organizations so ON so.user_id = s.id
		JOIN user_organizations po ON po.organization_id = so.organization_id
		JOIN user_roles ur ON ur.user_id = s.id
		JOIN roles r ON r.id = ur.role_id
		WHERE po.user_id = $1
		  AND r.name IN ('staff', 'clinician')
		  AND NOT s.deleted
		  AND NOT COALESCE(s.email_muted, false)
		ORDER BY s.email
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("staff emails: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan staff email: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// PatientProfile returns the reporting profile the adherence builder stamps
// onto each row, or nil when the user does not exist.
func (d *PGDirectory) PatientProfile(ctx context.Context, userID int64) (*adherence.Profile, error) {
	var p adherence.Profile
	err := d.pool.QueryRow(ctx, `
		SELECT
			EXISTS (
				SELECT 1 FROM user_roles ur
				JOIN roles r ON r.id = ur.role_id
				WHERE ur.user_id = u.id AND r.name = 'patient'
			),
			u.deleted,
			COALESCE(o.id, 0),
			COALESCE(o.name, ''),
			COALESCE(u.clinician, ''),
			COALESCE(u.delayed_by_mail, false)
		FROM users u
		LEFT JOIN user_organizations uo ON uo.user_id = u.id
		LEFT JOIN organizations o ON o.id = uo.organization_id
		WHERE u.id = $1
		LIMIT 1
	`, userID).Scan(&p.IsPatient, &p.Deleted, &p.SiteID, &p.Site, &p.Clinician, &p.DelayedByMail)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("patient profile: %w", err)
	}
	return &p, nil
}
