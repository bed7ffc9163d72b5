package consent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resolver derives trigger and withdrawal dates from consent history.
type Resolver struct {
	store  History
	logger *zap.Logger
}

// NewResolver creates a resolver over the given history store.
func NewResolver(store History, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

// current returns the latest non-deleted consent row, or nil.
func current(history []UserConsent) *UserConsent {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status != StatusDeleted {
			return &history[i]
		}
	}
	return nil
}

// priorTo walks back from the row at index idx to the first non-deleted row
// before it.
func priorTo(history []UserConsent, idx int) *UserConsent {
	for i := idx - 1; i >= 0; i-- {
		if history[i].Status != StatusDeleted {
			return &history[i]
		}
	}
	return nil
}

// firstValid returns the earliest non-deleted row, or nil.
func firstValid(history []UserConsent) *UserConsent {
	for i := range history {
		if history[i].Status != StatusDeleted {
			return &history[i]
		}
	}
	return nil
}

// TriggerDate returns the UTC datetime visit offsets are computed from, or
// nil when the user holds no valid consent in the study.
//
// A withdrawn user keeps the trigger date of the consent active immediately
// before the withdrawing suspension so past visits stay enumerable; the
// withdrawal itself truncates the timeline downstream.
func (r *Resolver) TriggerDate(ctx context.Context, userID, studyID int64) (*time.Time, error) {
	history, err := r.store.ConsentHistory(ctx, userID, studyID)
	if err != nil {
		return nil, err
	}

	cur := current(history)
	if cur == nil {
		return nil, nil
	}

	trigger := cur.AcceptanceDate
	if cur.Status == StatusSuspended {
		idx := -1
		for i := range history {
			if history[i].ID == cur.ID {
				idx = i
				break
			}
		}
		prior := priorTo(history, idx)
		if prior == nil {
			// Withdrawn without an earlier consent; nothing to anchor a
			// timeline to.
			return nil, nil
		}
		trigger = prior.AcceptanceDate
	}

	// Sanity check only; an early trigger is survivable but worth eyes.
	if earliest := firstValid(history); earliest != nil && trigger.Before(earliest.AcceptanceDate) {
		r.logger.Error("derived trigger date precedes consent date",
			zap.Int64("user_id", userID),
			zap.Time("trigger", trigger),
			zap.Time("consent", earliest.AcceptanceDate))
	}

	trigger = trigger.UTC()
	return &trigger, nil
}

// WithdrawalDate returns the instant the user withdrew, or nil when the user
// is not withdrawn. The withdrawing suspended row's acceptance date is the
// withdrawal instant.
func (r *Resolver) WithdrawalDate(ctx context.Context, userID, studyID int64) (*time.Time, error) {
	history, err := r.store.ConsentHistory(ctx, userID, studyID)
	if err != nil {
		return nil, err
	}
	cur := current(history)
	if cur == nil || cur.Status != StatusSuspended {
		return nil, nil
	}
	at := cur.AcceptanceDate.UTC()
	return &at, nil
}

// Consented reports whether the user currently holds a valid, unwithdrawn
// consent in the study.
func (r *Resolver) Consented(ctx context.Context, userID, studyID int64) (bool, error) {
	history, err := r.store.ConsentHistory(ctx, userID, studyID)
	if err != nil {
		return false, err
	}
	cur := current(history)
	return cur != nil && cur.Status == StatusConsented, nil
}
