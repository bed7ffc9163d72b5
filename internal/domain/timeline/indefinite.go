package timeline

import (
	"context"
)

// IndefStatus derives the status of the user's open-ended (indefinite)
// visit. The visit never expires: status comes purely from whether the
// required instruments are completed, partially started, or absent.
// Withdrawn patients keep the strongest applicable status, so work finished
// before withdrawal still reads completed.
func (s *StatusService) IndefStatus(ctx context.Context, userID, studyID int64) (Status, error) {
	qbd, err := s.ordering.Indefinite(ctx, userID, studyID)
	if err != nil {
		return "", err
	}
	if qbd == nil {
		return "", nil
	}

	metas, err := s.responses.VisitResponses(ctx, userID, qbd.Bank.ID, nil)
	if err != nil {
		return "", err
	}

	completed := map[string]bool{}
	anySubmission := len(metas) > 0
	for _, meta := range metas {
		if meta.Status == "completed" {
			completed[meta.Questionnaire] = true
		}
	}
	allDone := true
	for _, name := range qbd.Bank.InstrumentNames() {
		if !completed[name] {
			allDone = false
			break
		}
	}

	withdrawal, err := s.consents.WithdrawalDate(ctx, userID, studyID)
	if err != nil {
		return "", err
	}
	withdrawn := withdrawal != nil

	switch {
	case allDone && len(qbd.Bank.InstrumentNames()) > 0:
		return StatusCompleted, nil
	case anySubmission && withdrawn:
		return StatusPartiallyCompleted, nil
	case anySubmission:
		return StatusInProgress, nil
	case withdrawn:
		return StatusWithdrawn, nil
	default:
		return StatusDue, nil
	}
}
