package trigger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/messaging"
	"github.com/patientflow/go-pro/internal/proerr"
)

const reminderLockKey = "trigger:remind"

// ReminderJob sweeps triggered states and re-notifies staff on the
// weekday-aware cadence. Like the fire job it is a non-waiting singleton.
type ReminderJob struct {
	store     Store
	mailer    Mailer
	directory Directory
	locks     Locker
	logger    *zap.Logger
	now       func() time.Time
}

// NewReminderJob wires the job.
func NewReminderJob(store Store, mailer Mailer, directory Directory, locks Locker, logger *zap.Logger) *ReminderJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderJob{
		store:     store,
		mailer:    mailer,
		directory: directory,
		locks:     locks,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sends due reminders. A LockTimeout means another worker holds the
// sweep; that is a clean no-op.
func (j *ReminderJob) Run(ctx context.Context) error {
	err := j.locks.WithLock(ctx, reminderLockKey, func(ctx context.Context) error {
		return j.remindAll(ctx)
	})
	if errors.Is(err, proerr.ErrLockTimeout) {
		j.logger.Debug("reminder sweep already running elsewhere")
		return nil
	}
	return err
}

func (j *ReminderJob) remindAll(ctx context.Context) error {
	states, err := j.store.InState(ctx, StateTriggered)
	if err != nil {
		return err
	}
	asOf := j.now()
	for i := range states {
		ts := &states[i]
		if !ts.ReminderDue(asOf) {
			continue
		}
		if err := j.remind(ctx, ts); err != nil {
			j.logger.Error("trigger reminder failed",
				zap.Int64("user_id", ts.UserID),
				zap.Int("visit_month", ts.VisitMonth),
				zap.Error(err))
		}
	}
	return nil
}

// remind appends a new triggered history row carrying the reminder email
// action; the state itself does not advance.
func (j *ReminderJob) remind(ctx context.Context, ts *TriggerState) error {
	name, _, err := j.directory.PatientContact(ctx, ts.UserID)
	if err != nil {
		return err
	}
	staff, err := j.directory.StaffEmails(ctx, ts.UserID)
	if err != nil {
		return err
	}
	if len(staff) == 0 {
		return nil
	}

	triggers, err := cloneTriggers(ts.Triggers)
	if err != nil {
		return err
	}
	next := &TriggerState{
		UserID:                  ts.UserID,
		VisitMonth:              ts.VisitMonth,
		State:                   ts.State,
		Timestamp:               j.now(),
		Triggers:                triggers,
		QuestionnaireResponseID: ts.QuestionnaireResponseID,
	}
	if next.Triggers == nil {
		next.Triggers = &Triggers{}
	}

	vars := messaging.Vars{
		"patient_name": messaging.Static(name),
		"patient_id":   messaging.Static(strconv.FormatInt(ts.UserID, 10)),
		"hard_domains": messaging.Static(joinDomains(next.Triggers.HardDomains())),
	}
	email, err := j.mailer.Send(ctx, messaging.VariantStaffReminder, staff, vars)
	if err != nil {
		next.Triggers.Errors = append(next.Triggers.Errors,
			messaging.VariantStaffReminder+": "+err.Error())
	} else {
		next.Triggers.Actions.Email = append(next.Triggers.Actions.Email, EmailAction{
			EmailID:   email.ID,
			Subject:   email.Subject,
			Variant:   messaging.VariantStaffReminder,
			Timestamp: email.CreatedAt,
		})
	}
	return j.store.Append(ctx, next)
}
