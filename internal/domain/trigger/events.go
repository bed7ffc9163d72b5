package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/messaging"
	"github.com/patientflow/go-pro/internal/proerr"
)

// fireLockKey is the singleton job key; timeout 0 means a busy run is
// skipped, never waited on.
const fireLockKey = "trigger:fire"

// Mailer is the slice of the messaging layer the firing job uses.
type Mailer interface {
	Send(ctx context.Context, template string, to []string, vars messaging.Vars) (*messaging.Email, error)
}

// Directory resolves notification recipients.
type Directory interface {
	// PatientContact returns the patient's display name and email address.
	PatientContact(ctx context.Context, userID int64) (name, email string, err error)
	// StaffEmails returns the care-team addresses for the patient.
	StaffEmails(ctx context.Context, userID int64) ([]string, error)
}

// Observer receives firing outcomes; the metrics layer implements it.
type Observer interface {
	TriggerFired(severity string)
	TriggerEmailSent(variant string)
}

// FireJob sends the notifications for every processed trigger state and
// advances each to triggered. It runs as a singleton across workers.
type FireJob struct {
	store     Store
	mailer    Mailer
	directory Directory
	locks     Locker
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time

	// ResourcesURL lands in patient email bodies.
	ResourcesURL string
}

// NewFireJob wires the job.
func NewFireJob(store Store, mailer Mailer, directory Directory, locks Locker, logger *zap.Logger) *FireJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FireJob{
		store:     store,
		mailer:    mailer,
		directory: directory,
		locks:     locks,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver attaches an outcome observer.
func (j *FireJob) WithObserver(o Observer) *FireJob {
	j.observer = o
	return j
}

// Run fires events for all processed states. A LockTimeout means another
// worker holds the job; that is a clean no-op.
func (j *FireJob) Run(ctx context.Context) error {
	err := j.locks.WithLock(ctx, fireLockKey, func(ctx context.Context) error {
		return j.fireAll(ctx)
	})
	if errors.Is(err, proerr.ErrLockTimeout) {
		j.logger.Debug("trigger firing already running elsewhere")
		return nil
	}
	return err
}

func (j *FireJob) fireAll(ctx context.Context) error {
	states, err := j.store.InState(ctx, StateProcessed)
	if err != nil {
		return err
	}
	for i := range states {
		if err := j.fire(ctx, &states[i]); err != nil {
			// One patient's failure must not starve the rest of the batch.
			j.logger.Error("trigger event firing failed",
				zap.Int64("user_id", states[i].UserID),
				zap.Int("visit_month", states[i].VisitMonth),
				zap.Error(err))
		}
	}
	return nil
}

// fire composes and sends the notifications for one state row, records the
// actions and errors, and advances the machine. Send failures are recorded
// but never block the transition.
func (j *FireJob) fire(ctx context.Context, ts *TriggerState) error {
	next, err := ts.Advance(EventFiredEvents, j.now())
	if err != nil {
		return err
	}
	if next.Triggers == nil {
		next.Triggers = &Triggers{}
	}

	name, address, err := j.directory.PatientContact(ctx, ts.UserID)
	if err != nil {
		return err
	}

	hard := next.Triggers.HardDomains()
	soft := next.Triggers.SoftDomains()

	variant := messaging.VariantThankYou
	switch {
	case len(hard) > 0:
		variant = messaging.VariantHardTriggers
	case len(soft) > 0:
		variant = messaging.VariantSoftTriggers
	}

	vars := j.patientVars(ts, name)
	j.send(ctx, next.Triggers, variant, []string{address}, vars)

	if len(hard) > 0 {
		staff, err := j.directory.StaffEmails(ctx, ts.UserID)
		if err != nil {
			return err
		}
		optedOut, err := j.store.OptedOutDomains(ctx, ts.UserID)
		if err != nil {
			return err
		}

		staffVariant := messaging.VariantStaff
		if anyOverlap(hard, optedOut) {
			staffVariant = messaging.VariantStaffOptedOut
		}
		staffVars := j.staffVars(ts, name, hard, optedOut)
		j.send(ctx, next.Triggers, staffVariant, staff, staffVars)
	}

	if j.observer != nil {
		switch {
		case len(hard) > 0:
			j.observer.TriggerFired("hard")
		case len(soft) > 0:
			j.observer.TriggerFired("soft")
		default:
			j.observer.TriggerFired("none")
		}
	}
	return j.store.Append(ctx, next)
}

// send dispatches one email and records the outcome on the triggers blob.
func (j *FireJob) send(ctx context.Context, triggers *Triggers, variant string, to []string, vars messaging.Vars) {
	email, err := j.mailer.Send(ctx, variant, to, vars)
	if err != nil {
		msg := fmt.Sprintf("%s: %v", variant, err)
		triggers.Errors = append(triggers.Errors, msg)
		j.logger.Error("trigger email failed", zap.String("variant", variant), zap.Error(err))
		return
	}
	triggers.Actions.Email = append(triggers.Actions.Email, EmailAction{
		EmailID:   email.ID,
		Subject:   email.Subject,
		Variant:   variant,
		Timestamp: email.CreatedAt,
	})
	if j.observer != nil {
		j.observer.TriggerEmailSent(variant)
	}
}

func (j *FireJob) patientVars(ts *TriggerState, name string) messaging.Vars {
	return messaging.Vars{
		"patient_name": messaging.Static(name),
		"month_name":   messaging.Static(fmt.Sprintf("Month %d", ts.VisitMonth+1)),
		"resources_url": func() string {
			return j.ResourcesURL
		},
	}
}

func (j *FireJob) staffVars(ts *TriggerState, name string, hard, optedOut []string) messaging.Vars {
	return messaging.Vars{
		"patient_name":      messaging.Static(name),
		"patient_id":        messaging.Static(strconv.FormatInt(ts.UserID, 10)),
		"hard_domains":      messaging.Static(joinDomains(hard)),
		"opted_out_domains": messaging.Static(joinDomains(optedOut)),
	}
}

func joinDomains(domains []string) string {
	return strings.Join(domains, ", ")
}

func anyOverlap(a, b []string) bool {
	set := map[string]bool{}
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}
