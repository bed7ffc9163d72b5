// Read-only registry lookups backed by Postgres.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/proerr"
)

// Source is the registry surface the scheduling layer consumes.
type Source interface {
	// ProtocolsForUser returns the protocol assignments applicable to the
	// user in the study, ordered with the most recently retired (or still
	// active) assignment last.
	ProtocolsForUser(ctx context.Context, userID, studyID int64) ([]ProtocolAssignment, error)

	// BanksByProtocol returns the banks of the given classification under
	// the protocol, name-ordered.
	BanksByProtocol(ctx context.Context, protocolID int64, c Classification) ([]*QuestionnaireBank, error)

	// BanksForInterventions returns banks assigned to interventions the user
	// is associated with.
	BanksForInterventions(ctx context.Context, userID int64) ([]*QuestionnaireBank, error)
}

// Registry is the pgx-backed Source.
type Registry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRegistry creates a registry over the shared pool.
func NewRegistry(pool *pgxpool.Pool, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{pool: pool, logger: logger}
}

// ProtocolsForUser walks user -> organizations -> adopted protocols.
func (r *Registry) ProtocolsForUser(ctx context.Context, userID, studyID int64) ([]ProtocolAssignment, error) {
	query := `
		SELECT rp.id, rp.name, rp.created_at, rp.research_study_id, orp.retired_as_of
		FROM research_protocols rp
		JOIN organization_research_protocols orp ON orp.research_protocol_id = rp.id
		JOIN user_organizations uo ON uo.organization_id = orp.organization_id
		WHERE uo.user_id = $1
		  AND rp.research_study_id = $2
		ORDER BY orp.retired_as_of ASC NULLS LAST
	`

	rows, err := r.pool.Query(ctx, query, userID, studyID)
	if err != nil {
		return nil, fmt.Errorf("query protocols: %w", err)
	}
	defer rows.Close()

	var out []ProtocolAssignment
	for rows.Next() {
		var pa ProtocolAssignment
		if err := rows.Scan(&pa.Protocol.ID, &pa.Protocol.Name, &pa.Protocol.CreatedAt,
			&pa.Protocol.ResearchStudyID, &pa.RetiredAsOf); err != nil {
			return nil, fmt.Errorf("scan protocol: %w", err)
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

// BanksByProtocol loads the banks of one classification under a protocol.
func (r *Registry) BanksByProtocol(ctx context.Context, protocolID int64, c Classification) ([]*QuestionnaireBank, error) {
	query := `
		SELECT id, name, classification, start_offset, due_offset, overdue_offset, expired_offset,
		       research_protocol_id, organization_id, intervention_id
		FROM questionnaire_banks
		WHERE research_protocol_id = $1
		  AND classification = $2
		ORDER BY name ASC
	`
	return r.queryBanks(ctx, query, protocolID, c)
}

// BanksForInterventions loads banks assigned to the user's interventions.
func (r *Registry) BanksForInterventions(ctx context.Context, userID int64) ([]*QuestionnaireBank, error) {
	query := `
		SELECT qb.id, qb.name, qb.classification, qb.start_offset, qb.due_offset, qb.overdue_offset,
		       qb.expired_offset, qb.research_protocol_id, qb.organization_id, qb.intervention_id
		FROM questionnaire_banks qb
		JOIN user_interventions ui ON ui.intervention_id = qb.intervention_id
		WHERE ui.user_id = $1
		ORDER BY qb.name ASC
	`
	return r.queryBanks(ctx, query, userID)
}

// BankByName loads a single bank; names are unique.
func (r *Registry) BankByName(ctx context.Context, name string) (*QuestionnaireBank, error) {
	query := `
		SELECT id, name, classification, start_offset, due_offset, overdue_offset, expired_offset,
		       research_protocol_id, organization_id, intervention_id
		FROM questionnaire_banks
		WHERE name = $1
	`
	banks, err := r.queryBanks(ctx, query, name)
	if err != nil {
		return nil, err
	}
	if len(banks) == 0 {
		return nil, proerr.Wrap(proerr.ErrNotFound, "questionnaire bank %q", name)
	}
	return banks[0], nil
}

func (r *Registry) queryBanks(ctx context.Context, query string, args ...interface{}) ([]*QuestionnaireBank, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query banks: %w", err)
	}
	defer rows.Close()

	var banks []*QuestionnaireBank
	for rows.Next() {
		qb, err := scanBank(rows)
		if err != nil {
			return nil, err
		}
		banks = append(banks, qb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, qb := range banks {
		if err := r.loadBankChildren(ctx, qb); err != nil {
			return nil, err
		}
	}
	return banks, nil
}

// scanBank decodes one bank row. Duration columns are stored as the plural
// unit JSON objects they serialize to.
func scanBank(rows pgx.Rows) (*QuestionnaireBank, error) {
	var (
		qb                    QuestionnaireBank
		startRaw, expiredRaw  []byte
		dueRaw, overdueRaw    []byte
	)
	if err := rows.Scan(&qb.ID, &qb.Name, &qb.Classification, &startRaw, &dueRaw, &overdueRaw,
		&expiredRaw, &qb.ResearchProtocolID, &qb.OrganizationID, &qb.InterventionID); err != nil {
		return nil, fmt.Errorf("scan bank: %w", err)
	}
	if err := json.Unmarshal(startRaw, &qb.Start); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(expiredRaw, &qb.Expired); err != nil {
		return nil, err
	}
	if dueRaw != nil {
		qb.Due = &Duration{}
		if err := json.Unmarshal(dueRaw, qb.Due); err != nil {
			return nil, err
		}
	}
	if overdueRaw != nil {
		qb.Overdue = &Duration{}
		if err := json.Unmarshal(overdueRaw, qb.Overdue); err != nil {
			return nil, err
		}
	}
	return &qb, nil
}

func (r *Registry) loadBankChildren(ctx context.Context, qb *QuestionnaireBank) error {
	qRows, err := r.pool.Query(ctx, `
		SELECT rank, questionnaire_name, days_till_due, days_till_overdue
		FROM questionnaire_bank_questionnaires
		WHERE questionnaire_bank_id = $1
		ORDER BY rank ASC
	`, qb.ID)
	if err != nil {
		return fmt.Errorf("query bank questionnaires: %w", err)
	}
	defer qRows.Close()
	for qRows.Next() {
		var bq BankQuestionnaire
		if err := qRows.Scan(&bq.Rank, &bq.Name, &bq.DaysTillDue, &bq.DaysTillOverdue); err != nil {
			return fmt.Errorf("scan bank questionnaire: %w", err)
		}
		qb.Questionnaires = append(qb.Questionnaires, bq)
	}
	if err := qRows.Err(); err != nil {
		return err
	}

	rRows, err := r.pool.Query(ctx, `
		SELECT id, start_offset, cycle_length, max_recurrences
		FROM recurs
		WHERE questionnaire_bank_id = $1
		ORDER BY id ASC
	`, qb.ID)
	if err != nil {
		return fmt.Errorf("query recurs: %w", err)
	}
	defer rRows.Close()
	for rRows.Next() {
		var (
			rec                 Recur
			startRaw, cycleRaw  []byte
		)
		if err := rRows.Scan(&rec.ID, &startRaw, &cycleRaw, &rec.MaxRecurrences); err != nil {
			return fmt.Errorf("scan recur: %w", err)
		}
		if err := json.Unmarshal(startRaw, &rec.Start); err != nil {
			return err
		}
		if err := json.Unmarshal(cycleRaw, &rec.CycleLength); err != nil {
			return err
		}
		qb.Recurs = append(qb.Recurs, rec)
	}
	return rRows.Err()
}
