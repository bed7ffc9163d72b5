package trigger

import (
	"time"

	"github.com/patientflow/go-pro/internal/messaging"
)

// reminderInitialDelay is how many weekday hours must pass after the first
// staff email before the first reminder.
const reminderInitialDelay = 48 * time.Hour

var staffVariants = map[string]bool{
	messaging.VariantStaff:         true,
	messaging.VariantStaffOptedOut: true,
	messaging.VariantStaffReminder: true,
}

// StaffEmailActions filters the email log to care-team recipients. Patient
// notifications (thank-you and trigger variants) are excluded.
func (t *Triggers) StaffEmailActions() []EmailAction {
	var out []EmailAction
	for _, e := range t.Actions.Email {
		if staffVariants[e.Variant] {
			out = append(out, e)
		}
	}
	return out
}

// ReminderDue reports whether a staff follow-up reminder should go out at
// asOf. Requires a prior staff email; a state whose only notification was
// the patient one never reminds. The 48-hour clock counts weekday hours
// only, and after the first reminder one becomes due each subsequent day.
func (ts *TriggerState) ReminderDue(asOf time.Time) bool {
	if ts.State != StateTriggered || ts.Triggers == nil {
		return false
	}
	emails := ts.Triggers.StaffEmailActions()
	if len(emails) == 0 {
		return false
	}
	if wd := asOf.UTC().Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}

	first := emails[0].Timestamp
	last := emails[len(emails)-1].Timestamp
	for _, e := range emails {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}

	if WeekdayHoursBetween(first, asOf) < reminderInitialDelay {
		return false
	}
	// Daily thereafter, measured from the most recent staff email.
	return asOf.Sub(last) >= 24*time.Hour
}

// WeekdayHoursBetween sums the elapsed duration between from and to,
// excluding any time falling on a Saturday or Sunday.
func WeekdayHoursBetween(from, to time.Time) time.Duration {
	if !from.Before(to) {
		return 0
	}
	from, to = from.UTC(), to.UTC()

	var total time.Duration
	cursor := from
	for cursor.Before(to) {
		dayEnd := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		if dayEnd.After(to) {
			dayEnd = to
		}
		if wd := cursor.Weekday(); wd != time.Saturday && wd != time.Sunday {
			total += dayEnd.Sub(cursor)
		}
		cursor = dayEnd
	}
	return total
}
