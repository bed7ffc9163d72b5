package adherence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/domain/timeline"
	"github.com/patientflow/go-pro/internal/domain/trigger"
)

// moderationJob names the throttle key for the per-patient rebuild.
const moderationJob = "adherence"

// patientListFloor is the minimum interval between patient-list row
// refreshes; it breaks the invalidation cycle between timeline and
// adherence.
const patientListFloor = 30 * time.Second

// StatusSource is the slice of the timeline query layer the builder reads.
type StatusSource interface {
	QBStatus(ctx context.Context, userID, studyID int64, asOf time.Time) (*timeline.QBStatus, error)
	OlderQBDs(ctx context.Context, userID, studyID int64, lastKnown *schedule.QBD) ([]timeline.VisitOutcome, error)
	IndefStatus(ctx context.Context, userID, studyID int64) (timeline.Status, error)
}

// VisitSource enumerates visit definitions; the builder uses it to find
// work finished after withdrawal.
type VisitSource interface {
	Ordered(ctx context.Context, userID, studyID int64, opts schedule.Options) ([]schedule.QBD, error)
}

// FactsSource supplies response facts per visit.
type FactsSource interface {
	VisitFacts(ctx context.Context, userID int64, qbd schedule.QBD) (timeline.Facts, error)
}

// ConsentSource supplies the consent boundary dates.
type ConsentSource interface {
	TriggerDate(ctx context.Context, userID, studyID int64) (*time.Time, error)
	WithdrawalDate(ctx context.Context, userID, studyID int64) (*time.Time, error)
}

// Profile is the patient summary stamped onto every row.
type Profile struct {
	IsPatient     bool
	Deleted       bool
	SiteID        int64
	Site          string
	Clinician     string
	DelayedByMail bool
}

// Directory resolves patient profiles.
type Directory interface {
	PatientProfile(ctx context.Context, userID int64) (*Profile, error)
}

// Throttle guards against rebuild storms; the redis moderator implements it.
type Throttle interface {
	ShouldRun(ctx context.Context, job string, patientID int64) (bool, error)
}

// CacheStore persists adherence rows.
type CacheStore interface {
	Upsert(ctx context.Context, row *Row) error
	Exists(ctx context.Context, patientID int64, rsIDVisit string) (bool, error)
	// TouchPatientList refreshes the denormalized patient-list row unless it
	// was refreshed within the floor.
	TouchPatientList(ctx context.Context, patientID int64, floor time.Duration) (bool, error)
}

// TriggerSource exposes the sub-study state history for the report extras.
type TriggerSource interface {
	LatestPerVisit(ctx context.Context, userID int64) ([]trigger.TriggerState, error)
}

// Observer counts built rows; the metrics layer implements it.
type Observer interface {
	AdherenceRowsBuilt(n int)
}

// Builder materializes adherence rows for one patient at a time.
type Builder struct {
	status   StatusSource
	visits   VisitSource
	facts    FactsSource
	consents ConsentSource
	users    Directory
	throttle Throttle
	cache    CacheStore
	triggers TriggerSource
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewBuilder wires the builder.
func NewBuilder(status StatusSource, visits VisitSource, facts FactsSource,
	consents ConsentSource, users Directory, throttle Throttle,
	cache CacheStore, triggers TriggerSource, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		status:   status,
		visits:   visits,
		facts:    facts,
		consents: consents,
		users:    users,
		throttle: throttle,
		cache:    cache,
		triggers: triggers,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver attaches a row counter.
func (b *Builder) WithObserver(o Observer) *Builder {
	b.observer = o
	return b
}

// BuildForPatient refreshes the patient's cache rows and returns how many
// were written. A throttled or non-patient invocation writes zero.
func (b *Builder) BuildForPatient(ctx context.Context, patientID, studyID int64) (int, error) {
	profile, err := b.users.PatientProfile(ctx, patientID)
	if err != nil {
		return 0, err
	}
	if profile == nil || !profile.IsPatient || profile.Deleted {
		return 0, nil
	}

	if _, err := b.cache.TouchPatientList(ctx, patientID, patientListFloor); err != nil {
		return 0, err
	}

	run, err := b.throttle.ShouldRun(ctx, moderationJob, patientID)
	if err != nil {
		return 0, err
	}
	if !run {
		return 0, nil
	}

	written := 0
	st, err := b.status.QBStatus(ctx, patientID, studyID, b.now())
	if err != nil {
		return written, err
	}

	base, err := b.baseReport(ctx, profile, patientID, studyID)
	if err != nil {
		return written, err
	}

	lastViable := st.Current
	if lastViable == nil {
		lastViable = st.Prev
	}
	if lastViable != nil {
		report := base
		report.Status = string(st.OverallStatus)
		report.Visit = lastViable.VisitName()
		report.CompletionDate = st.CompletedDate
		report.EntryMethod = b.entryMethod(ctx, patientID, *lastViable)
		b.attachTriggerExtras(ctx, &report, patientID)
		if err := b.write(ctx, patientID, studyID, report, false); err != nil {
			return written, err
		}
		written++
	} else if st.OverallStatus != "" {
		report := base
		report.Status = string(st.OverallStatus)
		report.Visit = "none"
		if err := b.write(ctx, patientID, studyID, report, false); err != nil {
			return written, err
		}
		written++
	}

	n, err := b.postWithdrawnRows(ctx, patientID, studyID, base)
	written += n
	if err != nil {
		return written, err
	}

	n, err = b.historicalRows(ctx, patientID, studyID, base, lastViable)
	written += n
	if err != nil {
		return written, err
	}

	n, err = b.indefiniteRow(ctx, patientID, studyID, base)
	written += n
	if err != nil {
		return written, err
	}

	if b.observer != nil {
		b.observer.AdherenceRowsBuilt(written)
	}
	b.logger.Debug("adherence cache refreshed",
		zap.Int64("patient_id", patientID),
		zap.Int("rows", written))
	return written, nil
}

func (b *Builder) baseReport(ctx context.Context, profile *Profile, patientID, studyID int64) (Report, error) {
	consented, err := b.consents.TriggerDate(ctx, patientID, studyID)
	if err != nil {
		return Report{}, err
	}
	withdrawal, err := b.consents.WithdrawalDate(ctx, patientID, studyID)
	if err != nil {
		return Report{}, err
	}
	return Report{
		PatientID:      patientID,
		StudyID:        studyID,
		SiteID:         profile.SiteID,
		Site:           profile.Site,
		ConsentDate:    consented,
		WithdrawalDate: withdrawal,
		Clinician:      profile.Clinician,
		DelayedByMail:  profile.DelayedByMail,
	}, nil
}

// postWithdrawnRows emits one row per visit completed after withdrawal.
func (b *Builder) postWithdrawnRows(ctx context.Context, patientID, studyID int64, base Report) (int, error) {
	if base.WithdrawalDate == nil {
		return 0, nil
	}
	visits, err := b.visits.Ordered(ctx, patientID, studyID, schedule.Options{IgnoreWithdrawal: true})
	if err != nil {
		return 0, err
	}
	written := 0
	for i := range visits {
		qbd := visits[i]
		if qbd.RelativeStart.Before(*base.WithdrawalDate) {
			continue
		}
		facts, err := b.facts.VisitFacts(ctx, patientID, qbd)
		if err != nil {
			return written, err
		}
		if facts.Completion == nil {
			continue
		}
		report := base
		report.Status = string(timeline.StatusCompleted)
		report.Visit = qbd.VisitName()
		report.CompletionDate = facts.Completion
		if err := b.write(ctx, patientID, studyID, report, true); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// historicalRows walks older visits backward, stopping at the first one
// already cached; history is immutable.
func (b *Builder) historicalRows(ctx context.Context, patientID, studyID int64, base Report, lastViable *schedule.QBD) (int, error) {
	outcomes, err := b.status.OlderQBDs(ctx, patientID, studyID, lastViable)
	if err != nil {
		return 0, err
	}
	written := 0
	for i := range outcomes {
		outcome := outcomes[i]
		key := VisitKey(studyID, outcome.QBD.VisitName(), false)
		exists, err := b.cache.Exists(ctx, patientID, key)
		if err != nil {
			return written, err
		}
		if exists {
			break
		}
		report := base
		report.Status = string(outcome.Status)
		report.Visit = outcome.QBD.VisitName()
		report.CompletionDate = outcome.CompletedDate
		report.EntryMethod = b.entryMethod(ctx, patientID, outcome.QBD)
		if err := b.write(ctx, patientID, studyID, report, false); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (b *Builder) indefiniteRow(ctx context.Context, patientID, studyID int64, base Report) (int, error) {
	status, err := b.status.IndefStatus(ctx, patientID, studyID)
	if err != nil {
		return 0, err
	}
	if status == "" {
		return 0, nil
	}
	report := base
	report.Status = string(status)
	report.Visit = "indefinite"
	if err := b.write(ctx, patientID, studyID, report, false); err != nil {
		return 0, err
	}
	return 1, nil
}

// attachTriggerExtras stamps the sub-study columns from the latest
// authoritative trigger state.
func (b *Builder) attachTriggerExtras(ctx context.Context, report *Report, patientID int64) {
	if b.triggers == nil {
		return
	}
	states, err := b.triggers.LatestPerVisit(ctx, patientID)
	if err != nil {
		b.logger.Warn("trigger extras unavailable",
			zap.Int64("patient_id", patientID), zap.Error(err))
		return
	}
	if len(states) == 0 {
		return
	}
	latest := states[len(states)-1]
	if latest.Triggers != nil {
		report.TriggerDomains = latest.Triggers.HardDomains()
	}
}

// entryMethod derives how the visit's responses were captured.
func (b *Builder) entryMethod(ctx context.Context, patientID int64, qbd schedule.QBD) string {
	facts, err := b.facts.VisitFacts(ctx, patientID, qbd)
	if err != nil || facts.Earliest == nil {
		return ""
	}
	return "online"
}

func (b *Builder) write(ctx context.Context, patientID, studyID int64, report Report, postWithdrawn bool) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	row := &Row{
		PatientID: patientID,
		RSIDVisit: VisitKey(studyID, report.Visit, postWithdrawn),
		ValidTill: b.now().Add(TTLFor(report.Status)),
		Data:      data,
	}
	return b.cache.Upsert(ctx, row)
}
