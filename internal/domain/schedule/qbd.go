// Package schedule generates the ordered stream of visit definitions (QBDs)
// a patient will ever see.
package schedule

import (
	"fmt"
	"time"

	"github.com/patientflow/go-pro/internal/domain/protocol"
	"github.com/patientflow/go-pro/internal/proerr"
)

// QBD is a questionnaire bank materialized at a specific iteration and
// relative start for a specific patient.
type QBD struct {
	Bank          *protocol.QuestionnaireBank
	RecurID       *int64
	Iteration     *int
	RelativeStart time.Time

	adjusted bool
}

// NewQBD stamps a visit definition with its generic relative start.
func NewQBD(bank *protocol.QuestionnaireBank, recurID *int64, iteration *int, start time.Time) QBD {
	return QBD{Bank: bank, RecurID: recurID, Iteration: iteration, RelativeStart: start}
}

// CalcAndAdjustStart shifts a generic relative start onto the user's
// timeline: relative_start += (userTrigger - systemTrigger). A QBD may be
// adjusted exactly once; a second call is a configuration fault.
func (q *QBD) CalcAndAdjustStart(userTrigger, systemTrigger time.Time) error {
	if q.adjusted {
		return proerr.Wrap(proerr.ErrConfiguration, "qbd %s already adjusted", q.VisitName())
	}
	q.RelativeStart = q.RelativeStart.Add(userTrigger.Sub(systemTrigger))
	q.adjusted = true
	return nil
}

// Adjusted reports whether the start has been shifted onto a user timeline.
func (q *QBD) Adjusted() bool { return q.adjusted }

// ExpiredAt returns the instant the visit window closes.
func (q *QBD) ExpiredAt() time.Time {
	return q.Bank.Expired.RelativeTo(q.RelativeStart)
}

// OverdueAt returns the overdue boundary, or nil when the bank defines none.
func (q *QBD) OverdueAt() *time.Time {
	if q.Bank.Overdue == nil {
		return nil
	}
	at := q.Bank.Overdue.RelativeTo(q.RelativeStart)
	return &at
}

// DueAt returns the due boundary, or nil when the bank defines none.
func (q *QBD) DueAt() *time.Time {
	if q.Bank.Due == nil {
		return nil
	}
	at := q.Bank.Due.RelativeTo(q.RelativeStart)
	return &at
}

// OpenAt reports whether t falls within the visit window [start, expired).
func (q *QBD) OpenAt(t time.Time) bool {
	return !t.Before(q.RelativeStart) && t.Before(q.ExpiredAt())
}

// VisitName renders a human-readable visit label ("localized", or
// "localized v2" for the second recurrence).
func (q *QBD) VisitName() string {
	if q.Bank == nil {
		return "unknown"
	}
	if q.Iteration == nil {
		return q.Bank.Name
	}
	return fmt.Sprintf("%s v%d", q.Bank.Name, *q.Iteration+1)
}

// SameVisit reports whether the other QBD addresses the same
// (bank, recur, iteration) triple.
func (q *QBD) SameVisit(bankID int64, recurID *int64, iteration *int) bool {
	if q.Bank == nil || q.Bank.ID != bankID {
		return false
	}
	if (q.RecurID == nil) != (recurID == nil) || (q.Iteration == nil) != (iteration == nil) {
		return false
	}
	if q.RecurID != nil && *q.RecurID != *recurID {
		return false
	}
	if q.Iteration != nil && *q.Iteration != *iteration {
		return false
	}
	return true
}
