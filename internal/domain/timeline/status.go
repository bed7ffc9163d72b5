package timeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/schedule"
)

// QBStatus is the point-in-time view of a patient's questionnaire work.
type QBStatus struct {
	UserID          int64
	ResearchStudyID int64
	AsOf            time.Time

	OverallStatus Status
	Current       *schedule.QBD
	Prev          *schedule.QBD
	Next          *schedule.QBD

	DueDate                *time.Time
	OverdueDate            *time.Time
	InProgressDate         *time.Time
	CompletedDate          *time.Time
	PartiallyCompletedDate *time.Time
	ExpiredDate            *time.Time
	WithdrawnDate          *time.Time

	InstrumentsNeedingFullAssessment []string
	InstrumentsInProgress            []string // document identifiers for resume
	InstrumentsCompleted             []string
}

// VisitOutcome pairs a historical visit with its final recorded status.
type VisitOutcome struct {
	QBD           schedule.QBD
	Status        Status
	StatusAt      time.Time
	CompletedDate *time.Time
}

// StatusService answers point-in-time timeline queries.
type StatusService struct {
	materializer *Materializer
	store        Store
	ordering     *schedule.Ordering
	consents     ConsentSource
	responses    ResponseSource
	logger       *zap.Logger
}

// NewStatusService wires the query layer.
func NewStatusService(m *Materializer, store Store, ordering *schedule.Ordering,
	consents ConsentSource, responses ResponseSource, logger *zap.Logger) *StatusService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusService{
		materializer: m,
		store:        store,
		ordering:     ordering,
		consents:     consents,
		responses:    responses,
		logger:       logger,
	}
}

// QBStatus builds the status view as of the given instant, materializing the
// timeline first if needed.
func (s *StatusService) QBStatus(ctx context.Context, userID, studyID int64, asOf time.Time) (*QBStatus, error) {
	if err := s.materializer.Update(ctx, userID, studyID, false); err != nil {
		return nil, err
	}

	visits, err := s.ordering.Ordered(ctx, userID, studyID, schedule.Options{})
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Rows(ctx, userID, studyID)
	if err != nil {
		return nil, err
	}
	withdrawal, err := s.consents.WithdrawalDate(ctx, userID, studyID)
	if err != nil {
		return nil, err
	}

	st := &QBStatus{UserID: userID, ResearchStudyID: studyID, AsOf: asOf}

	// Visit boundaries come from the due rows; the adjusted QBD stream
	// carries the same starts plus window arithmetic.
	currentIdx := -1
	for i := range visits {
		if !visits[i].RelativeStart.After(asOf) {
			currentIdx = i
		} else {
			if st.Next == nil {
				st.Next = &visits[i]
			}
		}
	}

	if currentIdx < 0 {
		// Nothing has started yet, or nothing ever will.
		st.OverallStatus = StatusExpired
		if withdrawal != nil && (len(visits) == 0 || withdrawal.Before(visits[0].RelativeStart)) {
			st.OverallStatus = StatusWithdrawn
			st.WithdrawnDate = withdrawal
		}
		if len(visits) > 0 {
			st.Next = &visits[0]
		}
		return st, nil
	}

	current := visits[currentIdx]
	st.Current = &current
	if currentIdx > 0 {
		st.Prev = &visits[currentIdx-1]
	}

	limit := asOf
	if withdrawal != nil && withdrawal.Before(limit) {
		limit = *withdrawal
	}
	s.walkVisitRows(st, rows, current, limit)

	// A visit whose window already closed is history, not current work.
	if !current.ExpiredAt().After(asOf) {
		st.Prev = &visits[currentIdx]
		st.Current = nil
	}

	if withdrawal != nil && st.OverallStatus != StatusWithdrawn {
		s.logger.Error("withdrawn user without withdrawn overall status",
			zap.Int64("user_id", userID),
			zap.Int64("study_id", studyID),
			zap.String("overall", string(st.OverallStatus)))
	}

	if err := s.partitionInstruments(ctx, st, current); err != nil {
		return nil, err
	}
	return st, nil
}

// walkVisitRows assigns each status's timestamp until the limit is crossed;
// the last status stuck is the overall status.
func (s *StatusService) walkVisitRows(st *QBStatus, rows []Row, current schedule.QBD, limit time.Time) {
	for i := range rows {
		r := rows[i]
		if r.Status != StatusWithdrawn && !r.sameVisit(current.Bank.ID, current.RecurID, current.Iteration) {
			continue
		}
		if r.At.After(limit) {
			break
		}
		at := r.At
		switch r.Status {
		case StatusDue:
			st.DueDate = &at
		case StatusOverdue:
			st.OverdueDate = &at
		case StatusInProgress:
			st.InProgressDate = &at
		case StatusCompleted:
			st.CompletedDate = &at
		case StatusPartiallyCompleted:
			st.PartiallyCompletedDate = &at
		case StatusExpired:
			st.ExpiredDate = &at
		case StatusWithdrawn:
			st.WithdrawnDate = &at
		}
		st.OverallStatus = r.Status
	}
}

// partitionInstruments compares the bank's required instruments against the
// user's responses for the visit.
func (s *StatusService) partitionInstruments(ctx context.Context, st *QBStatus, current schedule.QBD) error {
	metas, err := s.responses.VisitResponses(ctx, st.UserID, current.Bank.ID, current.Iteration)
	if err != nil {
		return err
	}

	byInstrument := map[string][]ResponseMeta{}
	for _, meta := range metas {
		byInstrument[meta.Questionnaire] = append(byInstrument[meta.Questionnaire], meta)
	}

	for _, name := range current.Bank.InstrumentNames() {
		recorded := byInstrument[name]
		completed := false
		resumeDoc := ""
		for _, meta := range recorded {
			if meta.Status == "completed" {
				completed = true
				break
			}
			if resumeDoc == "" {
				resumeDoc = meta.DocumentID
			}
		}
		switch {
		case completed:
			st.InstrumentsCompleted = append(st.InstrumentsCompleted, name)
		case resumeDoc != "":
			st.InstrumentsInProgress = append(st.InstrumentsInProgress, resumeDoc)
		default:
			st.InstrumentsNeedingFullAssessment = append(st.InstrumentsNeedingFullAssessment, name)
		}
	}
	return nil
}

// OlderQBDs yields the visits before lastKnown, most recent first, each with
// its final recorded status. Used for historical reporting.
func (s *StatusService) OlderQBDs(ctx context.Context, userID, studyID int64, lastKnown *schedule.QBD) ([]VisitOutcome, error) {
	visits, err := s.ordering.Ordered(ctx, userID, studyID, schedule.Options{})
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Rows(ctx, userID, studyID)
	if err != nil {
		return nil, err
	}

	cut := len(visits)
	if lastKnown != nil {
		for i := range visits {
			if visits[i].SameVisit(lastKnown.Bank.ID, lastKnown.RecurID, lastKnown.Iteration) {
				cut = i
				break
			}
		}
	}

	var out []VisitOutcome
	for i := cut - 1; i >= 0; i-- {
		visit := visits[i]
		outcome := VisitOutcome{QBD: visit}
		for j := range rows {
			r := rows[j]
			if !r.sameVisit(visit.Bank.ID, visit.RecurID, visit.Iteration) {
				continue
			}
			outcome.Status = r.Status
			outcome.StatusAt = r.At
			if r.Status == StatusCompleted {
				at := r.At
				outcome.CompletedDate = &at
			}
		}
		if outcome.Status != "" {
			out = append(out, outcome)
		}
	}
	return out, nil
}
