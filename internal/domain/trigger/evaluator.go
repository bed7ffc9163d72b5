package trigger

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/response"
	"github.com/patientflow/go-pro/internal/fhir/r4"
	"github.com/patientflow/go-pro/internal/proerr"
)

// QuestionInfo places one questionnaire item in the manifold.
type QuestionInfo struct {
	Domain      string
	OptionCount int
}

// QuestionBank maps item linkId to its domain and scale size.
type QuestionBank map[string]QuestionInfo

// Locker serializes per-user evaluation; see the timeline materializer.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Evaluator runs the state machine up to processed for one submission.
type Evaluator struct {
	store     Store
	responses response.Store
	questions QuestionBank
	locks     Locker
	logger    *zap.Logger
	now       func() time.Time

	// Questionnaire is the sub-study instrument name responses are scored
	// from.
	Questionnaire string
}

// NewEvaluator wires the evaluator.
func NewEvaluator(store Store, responses response.Store, questions QuestionBank,
	locks Locker, questionnaire string, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:         store,
		responses:     responses,
		questions:     questions,
		locks:         locks,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		Questionnaire: questionnaire,
	}
}

func evalLockKey(userID int64) string {
	return "trigger:user:" + strconv.FormatInt(userID, 10)
}

// InitialAvailable opens the visit-month: it writes the unstarted row and
// advances it to due.
func (e *Evaluator) InitialAvailable(ctx context.Context, userID int64, visitMonth int) (*TriggerState, error) {
	existing, err := e.store.Latest(ctx, userID, visitMonth)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, proerr.Wrap(proerr.ErrTransitionNotAllowed,
			"visit month %d for user %d is already %s", visitMonth, userID, existing.State)
	}
	ts := &TriggerState{
		UserID:     userID,
		VisitMonth: visitMonth,
		State:      StateDue,
		Timestamp:  e.now(),
	}
	if err := e.store.Append(ctx, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// NextAvailable reopens the machine for the next cycle.
func (e *Evaluator) NextAvailable(ctx context.Context, userID int64, visitMonth int) (*TriggerState, error) {
	return e.advance(ctx, userID, visitMonth, EventNextAvailable)
}

// Resolve marks the clinician follow-up done.
func (e *Evaluator) Resolve(ctx context.Context, userID int64, visitMonth int) (*TriggerState, error) {
	return e.advance(ctx, userID, visitMonth, EventResolve)
}

func (e *Evaluator) advance(ctx context.Context, userID int64, visitMonth int, event Event) (*TriggerState, error) {
	latest, err := e.store.Latest(ctx, userID, visitMonth)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, proerr.Wrap(proerr.ErrNotFound, "no trigger state for user %d visit %d", userID, visitMonth)
	}
	next, err := latest.Advance(event, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.Append(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Process runs begin_process and processed_triggers for a completed
// submission under the per-user evaluation lock.
func (e *Evaluator) Process(ctx context.Context, userID int64, visitMonth int, responseID int64) (*TriggerState, error) {
	var result *TriggerState
	err := e.locks.WithLock(ctx, evalLockKey(userID), func(ctx context.Context) error {
		var err error
		result, err = e.processLocked(ctx, userID, visitMonth, responseID)
		return err
	})
	return result, err
}

func (e *Evaluator) processLocked(ctx context.Context, userID int64, visitMonth int, responseID int64) (*TriggerState, error) {
	latest, err := e.store.Latest(ctx, userID, visitMonth)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, proerr.Wrap(proerr.ErrNotFound, "no trigger state for user %d visit %d", userID, visitMonth)
	}

	inProcess, err := latest.Advance(EventBeginProcess, e.now())
	if err != nil {
		return nil, err
	}
	inProcess.QuestionnaireResponseID = &responseID
	if err := e.store.Append(ctx, inProcess); err != nil {
		return nil, err
	}

	triggers, err := e.evaluate(ctx, userID, visitMonth, responseID)
	if err != nil {
		return nil, err
	}

	processed, err := inProcess.Advance(EventProcessedTriggers, e.now())
	if err != nil {
		return nil, err
	}
	processed.Triggers = triggers
	if err := e.store.Append(ctx, processed); err != nil {
		return nil, err
	}
	e.logger.Info("triggers evaluated",
		zap.Int64("user_id", userID),
		zap.Int("visit_month", visitMonth),
		zap.Strings("hard", triggers.HardDomains()),
		zap.Strings("soft", triggers.SoftDomains()))
	return processed, nil
}

// evaluate loads the user's submission history for the instrument and runs
// the manifold against current, previous, and initial.
func (e *Evaluator) evaluate(ctx context.Context, userID int64, visitMonth int, responseID int64) (*Triggers, error) {
	history, err := e.responses.History(ctx, userID, e.Questionnaire)
	if err != nil {
		return nil, err
	}

	currentIdx := -1
	for i := range history {
		if history[i].ID == responseID {
			currentIdx = i
			break
		}
	}
	if currentIdx < 0 {
		return nil, proerr.Wrap(proerr.ErrNotFound, "response %d not in history for %s", responseID, e.Questionnaire)
	}

	manifold := DomainManifold{
		Current:             e.scores(&history[currentIdx]),
		PriorSequentialHard: map[string]int{},
	}
	if currentIdx > 0 {
		manifold.Previous = e.scores(&history[currentIdx-1])
		manifold.Initial = e.scores(&history[0])
	}

	if visitMonth > 0 {
		prior, err := e.store.Latest(ctx, userID, visitMonth-1)
		if err != nil {
			return nil, err
		}
		if prior != nil && prior.Triggers != nil {
			manifold.PriorSequentialHard = prior.Triggers.SequentialHard
		}
	}
	return manifold.Evaluate(), nil
}

// scores extracts the domain answers from the stored FHIR document.
func (e *Evaluator) scores(qnr *response.QuestionnaireResponse) DomainResponses {
	var doc r4.QuestionnaireResponse
	if err := json.Unmarshal(qnr.Document, &doc); err != nil {
		e.logger.Warn("undecodable response document skipped",
			zap.Int64("response_id", qnr.ID), zap.Error(err))
		return nil
	}

	out := DomainResponses{}
	var walk func(items []r4.QuestionnaireResponseItem)
	walk = func(items []r4.QuestionnaireResponseItem) {
		for _, item := range items {
			if info, ok := e.questions[item.LinkID]; ok {
				if score, found := answerScore(item.Answer); found {
					if out[info.Domain] == nil {
						out[info.Domain] = map[string]Answer{}
					}
					out[info.Domain][item.LinkID] = Answer{Score: score, OptionCount: info.OptionCount}
				}
			}
			walk(item.Item)
		}
	}
	walk(doc.Item)
	return out
}

// answerScore reads the numeric score from the first usable answer value.
func answerScore(answers []r4.QuestionnaireResponseAnswer) (int, bool) {
	for _, a := range answers {
		if a.ValueInteger != nil {
			return *a.ValueInteger, true
		}
		if a.ValueDecimal != nil {
			return int(*a.ValueDecimal), true
		}
		if a.ValueCoding != nil {
			if n, err := strconv.Atoi(a.ValueCoding.Code); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
