package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the state-history surface the processors consume.
type Store interface {
	// Latest returns the authoritative row for (user, visit_month), or nil.
	Latest(ctx context.Context, userID int64, visitMonth int) (*TriggerState, error)
	// LatestPerVisit returns the authoritative row of every visit-month for
	// the user, ascending visit order.
	LatestPerVisit(ctx context.Context, userID int64) ([]TriggerState, error)
	// Append inserts a new history row and stamps its ID.
	Append(ctx context.Context, ts *TriggerState) error
	// InState returns the authoritative rows currently in the given state,
	// across users.
	InState(ctx context.Context, state State) ([]TriggerState, error)
	// OptedOutDomains returns the domains the user declined staff outreach
	// for.
	OptedOutDomains(ctx context.Context, userID int64) ([]string, error)
}

// Repository is the pgx-backed trigger-state store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates the repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger, tracer: otel.Tracer("trigger-repo")}
}

const stateColumns = `id, user_id, visit_month, state, at, triggers, questionnaire_response_id`

func scanState(row pgx.Row) (*TriggerState, error) {
	var (
		ts  TriggerState
		raw []byte
	)
	if err := row.Scan(&ts.ID, &ts.UserID, &ts.VisitMonth, &ts.State,
		&ts.Timestamp, &raw, &ts.QuestionnaireResponseID); err != nil {
		return nil, err
	}
	ts.Timestamp = ts.Timestamp.UTC()
	if len(raw) > 0 {
		ts.Triggers = &Triggers{}
		if err := json.Unmarshal(raw, ts.Triggers); err != nil {
			return nil, fmt.Errorf("decode triggers: %w", err)
		}
	}
	return &ts, nil
}

// Latest loads the newest row for (user, visit_month).
func (r *Repository) Latest(ctx context.Context, userID int64, visitMonth int) (*TriggerState, error) {
	ts, err := scanState(r.pool.QueryRow(ctx, `
		SELECT `+stateColumns+`
		FROM trigger_states
		WHERE user_id = $1 AND visit_month = $2
		ORDER BY id DESC
		LIMIT 1
	`, userID, visitMonth))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest trigger state: %w", err)
	}
	return ts, nil
}

// LatestPerVisit loads the authoritative row per visit-month.
func (r *Repository) LatestPerVisit(ctx context.Context, userID int64) ([]TriggerState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (visit_month) `+stateColumns+`
		FROM trigger_states
		WHERE user_id = $1
		ORDER BY visit_month ASC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query trigger states: %w", err)
	}
	return collectStates(rows)
}

// Append writes a new history row.
func (r *Repository) Append(ctx context.Context, ts *TriggerState) error {
	ctx, span := r.tracer.Start(ctx, "trigger_state_append",
		trace.WithAttributes(
			attribute.Int64("user_id", ts.UserID),
			attribute.String("state", string(ts.State))))
	defer span.End()

	var raw []byte
	if ts.Triggers != nil {
		var err error
		raw, err = json.Marshal(ts.Triggers)
		if err != nil {
			return err
		}
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO trigger_states (user_id, visit_month, state, at, triggers, questionnaire_response_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ts.UserID, ts.VisitMonth, ts.State, ts.Timestamp.UTC(), raw, ts.QuestionnaireResponseID).Scan(&ts.ID)
	if err != nil {
		return fmt.Errorf("append trigger state: %w", err)
	}
	r.logger.Debug("trigger state appended",
		zap.Int64("user_id", ts.UserID),
		zap.Int("visit_month", ts.VisitMonth),
		zap.String("state", string(ts.State)))
	return nil
}

// InState returns every (user, visit_month) whose authoritative row is in
// the given state.
func (r *Repository) InState(ctx context.Context, state State) ([]TriggerState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+stateColumns+` FROM (
			SELECT DISTINCT ON (user_id, visit_month) `+stateColumns+`
			FROM trigger_states
			ORDER BY user_id, visit_month, id DESC
		) latest
		WHERE state = $1
		ORDER BY id ASC
	`, state)
	if err != nil {
		return nil, fmt.Errorf("query trigger states in %s: %w", state, err)
	}
	return collectStates(rows)
}

// OptedOutDomains loads the user's outreach opt-outs.
func (r *Repository) OptedOutDomains(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT domain FROM trigger_domain_optouts WHERE user_id = $1 ORDER BY domain
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query domain optouts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectStates(rows pgx.Rows) ([]TriggerState, error) {
	defer rows.Close()
	var out []TriggerState
	for rows.Next() {
		ts, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger state: %w", err)
		}
		out = append(out, *ts)
	}
	return out, rows.Err()
}
