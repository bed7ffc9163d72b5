package protocol

import "time"

// Recur describes one recurrence series owned by a recurring bank: visits
// start at Start past the trigger date and repeat every CycleLength,
// optionally capped by MaxRecurrences.
type Recur struct {
	ID             int64    `json:"id"`
	Start          Duration `json:"start"`
	CycleLength    Duration `json:"cycle_length"`
	MaxRecurrences *int     `json:"max_recurrences,omitempty"`
}

// VisitStart is one (iteration, start) pair in a patient's visit stream.
type VisitStart struct {
	RecurID   int64
	Iteration int
	Start     time.Time
}

// Starts yields the recurrence starts for the given trigger date, bounded by
// MaxRecurrences and, when the owning protocol assignment was retired, by the
// retirement date. Unbounded series are truncated at hardCap iterations.
func (r Recur) Starts(trigger time.Time, retiredAsOf *time.Time) []VisitStart {
	const hardCap = 500

	var out []VisitStart
	at := r.Start.RelativeTo(trigger)
	for i := 0; ; i++ {
		if r.MaxRecurrences != nil && i >= *r.MaxRecurrences {
			break
		}
		if retiredAsOf != nil && !at.Before(*retiredAsOf) {
			break
		}
		if i >= hardCap {
			break
		}
		out = append(out, VisitStart{RecurID: r.ID, Iteration: i, Start: at})
		next := r.CycleLength.RelativeTo(at)
		if !next.After(at) {
			break
		}
		at = next
	}
	return out
}

// RecurringStarts merges all of the bank's recur series into one stream
// ordered by start time.
func (qb *QuestionnaireBank) RecurringStarts(trigger time.Time, retiredAsOf *time.Time) []VisitStart {
	var merged []VisitStart
	for _, r := range qb.Recurs {
		merged = append(merged, r.Starts(trigger, retiredAsOf)...)
	}
	// Insertion sort keeps equal starts in recur declaration order.
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j].Start.Before(merged[j-1].Start); j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}
	return merged
}
