package timeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/proerr"
)

// Facts are the response observations a visit's rows derive from: the
// earliest submission against the visit and the instant every required
// instrument was completed.
type Facts struct {
	Earliest   *time.Time
	Completion *time.Time
}

// ResponseSource supplies per-visit response facts and metadata.
type ResponseSource interface {
	VisitFacts(ctx context.Context, userID int64, qbd schedule.QBD) (Facts, error)
	VisitResponses(ctx context.Context, userID, bankID int64, iteration *int) ([]ResponseMeta, error)
}

// ResponseMeta is the slice of a questionnaire response the status layer
// needs.
type ResponseMeta struct {
	DocumentID    string
	Questionnaire string
	Status        string // in-progress | completed
	Authored      time.Time
}

// Store persists timeline rows.
type Store interface {
	// Rows returns all rows for (user, study) ordered by (at, id).
	Rows(ctx context.Context, userID, studyID int64) ([]Row, error)
	HasRows(ctx context.Context, userID, studyID int64) (bool, error)
	// InsertRows writes the batch in one transaction, preserving order.
	InsertRows(ctx context.Context, rows []Row) error
	DeleteRows(ctx context.Context, userID, studyID int64) error
}

// UserDirectory answers the role and visibility questions the engine gates
// on.
type UserDirectory interface {
	// PatientInfo returns (isPatient, isDeleted).
	PatientInfo(ctx context.Context, userID int64) (bool, bool, error)
}

// Locker serializes per-user timeline mutation. Implementations raise
// proerr.ErrLockTimeout when the lock cannot be acquired in time.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ConsentSource is the slice of the consent resolver the materializer needs.
type ConsentSource interface {
	WithdrawalDate(ctx context.Context, userID, studyID int64) (*time.Time, error)
}

// Observer receives materializer outcomes; the metrics layer implements it.
type Observer interface {
	TimelineRebuilt(userID, studyID int64, rows int, elapsed time.Duration)
	TimelineInvalidated(userID, studyID int64)
}

// Materializer keeps QBT rows current so point-in-time queries are a single
// indexed lookup.
type Materializer struct {
	ordering  *schedule.Ordering
	consents  ConsentSource
	responses ResponseSource
	store     Store
	users     UserDirectory
	locks     Locker
	observer  Observer
	logger    *zap.Logger
}

// NewMaterializer wires the materializer.
func NewMaterializer(ordering *schedule.Ordering, consents ConsentSource, responses ResponseSource,
	store Store, users UserDirectory, locks Locker, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		ordering:  ordering,
		consents:  consents,
		responses: responses,
		store:     store,
		users:     users,
		locks:     locks,
		logger:    logger,
	}
}

// WithObserver attaches an outcome observer.
func (m *Materializer) WithObserver(o Observer) *Materializer {
	m.observer = o
	return m
}

// lockKey scopes the per-user timeline lock.
func lockKey(userID int64) string {
	return fmt.Sprintf("timeline:user:%d", userID)
}

// Update (re)materializes the timeline for (user, study). With invalidate
// set, existing rows are deleted first; otherwise an already-populated
// timeline is left untouched, since another worker served the same miss.
func (m *Materializer) Update(ctx context.Context, userID, studyID int64, invalidate bool) error {
	return m.locks.WithLock(ctx, lockKey(userID), func(ctx context.Context) error {
		return m.updateLocked(ctx, userID, studyID, invalidate)
	})
}

func (m *Materializer) updateLocked(ctx context.Context, userID, studyID int64, invalidate bool) error {
	began := time.Now()

	if invalidate {
		if err := m.store.DeleteRows(ctx, userID, studyID); err != nil {
			return err
		}
	}

	populated, err := m.store.HasRows(ctx, userID, studyID)
	if err != nil {
		return err
	}
	if populated {
		return nil
	}

	isPatient, deleted, err := m.users.PatientInfo(ctx, userID)
	if err != nil {
		return err
	}
	if deleted {
		return proerr.Wrap(proerr.ErrNotFound, "user %d deleted", userID)
	}
	if !isPatient {
		return proerr.Wrap(proerr.ErrValidation, "user %d does not hold the patient role", userID)
	}

	var (
		buf      Buffer
		visitErr error
	)
	err = m.ordering.Each(ctx, userID, studyID, schedule.Options{}, func(qbd schedule.QBD) bool {
		visitErr = m.appendVisitRows(ctx, &buf, userID, studyID, qbd)
		return visitErr == nil
	})
	if err != nil {
		return err
	}
	if visitErr != nil {
		return visitErr
	}

	withdrawal, err := m.consents.WithdrawalDate(ctx, userID, studyID)
	if err != nil {
		return err
	}
	if withdrawal != nil {
		buf.Truncate(*withdrawal)
		buf.Add(Row{
			UserID:          userID,
			ResearchStudyID: studyID,
			At:              *withdrawal,
			Status:          StatusWithdrawn,
		})
	}

	if buf.Len() == 0 {
		return nil
	}
	if err := m.store.InsertRows(ctx, buf.Rows()); err != nil {
		return err
	}

	m.logger.Info("timeline materialized",
		zap.Int64("user_id", userID),
		zap.Int64("study_id", studyID),
		zap.Int("rows", buf.Len()))
	if m.observer != nil {
		m.observer.TimelineRebuilt(userID, studyID, buf.Len(), time.Since(began))
	}
	return nil
}

// appendVisitRows derives the rows for one visit from its window boundaries
// and the user's submissions.
func (m *Materializer) appendVisitRows(ctx context.Context, buf *Buffer, userID, studyID int64, qbd schedule.QBD) error {
	start := qbd.RelativeStart
	expired := qbd.ExpiredAt()
	overdueAt := qbd.OverdueAt()

	row := func(at time.Time, status Status) Row {
		return Row{
			UserID:          userID,
			ResearchStudyID: studyID,
			At:              at,
			QBID:            qbd.Bank.ID,
			RecurID:         qbd.RecurID,
			Iteration:       qbd.Iteration,
			Status:          status,
		}
	}

	buf.Add(row(start, StatusDue))

	facts, err := m.responses.VisitFacts(ctx, userID, qbd)
	if err != nil {
		return err
	}

	suppressOverdue, suppressExpired := false, false

	if facts.Earliest != nil && facts.Earliest.Before(expired) {
		if facts.Completion == nil || overdueAt == nil || facts.Earliest.Before(*overdueAt) {
			buf.Add(row(*facts.Earliest, StatusInProgress))
		}
		if facts.Completion == nil {
			suppressOverdue = true
		}
	}

	// A completion at the expiration instant still counts as in-window.
	if facts.Completion != nil && !expired.Before(*facts.Completion) {
		suppressOverdue, suppressExpired = true, true
		buf.Add(row(*facts.Completion, StatusCompleted))
	}

	partial := facts.Earliest != nil &&
		(facts.Completion == nil || expired.Before(*facts.Completion))

	if !suppressOverdue && overdueAt != nil {
		buf.Add(row(*overdueAt, StatusOverdue))
	}
	if partial {
		buf.Add(row(expired, StatusPartiallyCompleted))
	} else if !suppressExpired {
		buf.Add(row(expired, StatusExpired))
	}
	return nil
}

// Invalidate deletes the cached timeline for (user, study). Called on
// consent change, trigger-date change, or response submission.
func (m *Materializer) Invalidate(ctx context.Context, userID, studyID int64) error {
	if err := m.store.DeleteRows(ctx, userID, studyID); err != nil {
		return err
	}
	m.logger.Debug("timeline invalidated",
		zap.Int64("user_id", userID),
		zap.Int64("study_id", studyID))
	if m.observer != nil {
		m.observer.TimelineInvalidated(userID, studyID)
	}
	return nil
}
