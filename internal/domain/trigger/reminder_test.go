package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/patientflow/go-pro/internal/messaging"
)

func instant(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func triggeredState(emailAt time.Time) *TriggerState {
	return &TriggerState{
		State: StateTriggered,
		Triggers: &Triggers{
			Actions: Actions{Email: []EmailAction{
				{EmailID: "e1", Subject: "follow-up", Variant: messaging.VariantStaff, Timestamp: emailAt},
			}},
		},
	}
}

func TestWeekdayHoursBetweenSkipsWeekend(t *testing.T) {
	// Friday noon to Monday noon is 48 wall hours but 24 weekday hours.
	friday := instant(2023, time.May, 5, 12)
	monday := instant(2023, time.May, 8, 12)
	assert.Equal(t, 48*time.Hour, monday.Sub(friday)-24*time.Hour)
	assert.Equal(t, 24*time.Hour, WeekdayHoursBetween(friday, monday))
}

func TestWeekdayHoursBetweenPlainWeekdays(t *testing.T) {
	mon := instant(2023, time.May, 1, 9)
	wed := instant(2023, time.May, 3, 9)
	assert.Equal(t, 48*time.Hour, WeekdayHoursBetween(mon, wed))
}

func TestReminderDueAfter48WeekdayHours(t *testing.T) {
	// Email Monday 09:00; Wednesday 09:00 crosses the threshold.
	ts := triggeredState(instant(2023, time.May, 1, 9))
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 2, 9)))
	assert.True(t, ts.ReminderDue(instant(2023, time.May, 3, 9)))
}

func TestReminderDelayedByWeekend(t *testing.T) {
	// Email Friday 09:00: 48 weekday hours land Tuesday 09:00, not Sunday.
	ts := triggeredState(instant(2023, time.May, 5, 9))
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 8, 9)))
	assert.True(t, ts.ReminderDue(instant(2023, time.May, 9, 9)))
}

func TestReminderNeverOnWeekend(t *testing.T) {
	ts := triggeredState(instant(2023, time.May, 1, 9))
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 6, 9)))
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 7, 9)))
}

func TestReminderDailyAfterFirst(t *testing.T) {
	ts := triggeredState(instant(2023, time.May, 1, 9))
	// A reminder went out Wednesday; Thursday before the 24h mark is quiet,
	// Thursday 09:00 is due again.
	ts.Triggers.Actions.Email = append(ts.Triggers.Actions.Email, EmailAction{
		EmailID: "e2", Subject: "reminder", Variant: messaging.VariantStaffReminder,
		Timestamp: instant(2023, time.May, 3, 9),
	})
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 4, 8)))
	assert.True(t, ts.ReminderDue(instant(2023, time.May, 4, 9)))
}

func TestReminderRequiresTriggeredStateAndEmail(t *testing.T) {
	ts := &TriggerState{State: StateProcessed, Triggers: &Triggers{}}
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 3, 9)))

	ts = &TriggerState{State: StateTriggered, Triggers: &Triggers{}}
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 3, 9)))
}

func TestReminderRequiresStaffEmail(t *testing.T) {
	// A state that triggered nothing hard gets only the patient thank-you
	// email; staff were never notified and must never be reminded.
	ts := &TriggerState{
		State: StateTriggered,
		Triggers: &Triggers{
			Actions: Actions{Email: []EmailAction{
				{EmailID: "e1", Subject: "thanks", Variant: messaging.VariantThankYou,
					Timestamp: instant(2023, time.May, 1, 9)},
			}},
		},
	}
	assert.False(t, ts.ReminderDue(instant(2023, time.May, 4, 10)))
	assert.Empty(t, ts.Triggers.StaffEmailActions())

	// The same state with a staff notification alongside comes due.
	ts.Triggers.Actions.Email = append(ts.Triggers.Actions.Email, EmailAction{
		EmailID: "e2", Subject: "hard triggers", Variant: messaging.VariantStaff,
		Timestamp: instant(2023, time.May, 1, 9),
	})
	assert.True(t, ts.ReminderDue(instant(2023, time.May, 4, 10)))
}
