// Package timeline materializes and queries the per-patient visit timeline.
package timeline

import "time"

// Status of a timeline row.
type Status string

const (
	StatusDue                Status = "due"
	StatusOverdue            Status = "overdue"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusExpired            Status = "expired"
	StatusWithdrawn          Status = "withdrawn"
)

// Row is one persisted (timestamp, status) event in a patient's timeline.
// Rows are insertion-ordered; for a (user, study) the sequence is
// chronologically non-decreasing in At, and a withdrawn row terminates it.
type Row struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	ResearchStudyID int64     `json:"research_study_id"`
	At              time.Time `json:"at"`
	QBID            int64     `json:"qb_id"`
	RecurID         *int64    `json:"qb_recur_id,omitempty"`
	Iteration       *int      `json:"qb_iteration,omitempty"`
	Status          Status    `json:"status"`
}

// sameVisit reports whether the row belongs to the (bank, recur, iteration)
// visit triple.
func (r Row) sameVisit(qbID int64, recurID *int64, iteration *int) bool {
	if r.QBID != qbID {
		return false
	}
	if (r.RecurID == nil) != (recurID == nil) || (r.Iteration == nil) != (iteration == nil) {
		return false
	}
	if r.RecurID != nil && *r.RecurID != *recurID {
		return false
	}
	if r.Iteration != nil && *r.Iteration != *iteration {
		return false
	}
	return true
}

// PointInTime returns the last row with At <= t, or nil. Rows must already
// be in (at, id) order, which is how the store returns them.
func PointInTime(rows []Row, t time.Time) *Row {
	var last *Row
	for i := range rows {
		if rows[i].At.After(t) {
			break
		}
		last = &rows[i]
	}
	return last
}
