package response

import (
	"context"
	"time"

	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/domain/timeline"
)

// Facts adapts the response store to the views the scheduling and timeline
// layers consume.
type Facts struct {
	store Store
}

// NewFacts wraps the store.
func NewFacts(store Store) *Facts {
	return &Facts{store: store}
}

// HasSubmission reports whether any response is assigned to the visit.
func (f *Facts) HasSubmission(ctx context.Context, userID, bankID int64, iteration *int) (bool, error) {
	responses, err := f.store.ForVisit(ctx, userID, bankID, iteration)
	if err != nil {
		return false, err
	}
	return len(responses) > 0, nil
}

// VisitFacts derives the earliest submission and the completion instant for
// the visit. The visit is complete only when every required instrument has a
// completed response; the completion instant is when the last of them
// finished.
func (f *Facts) VisitFacts(ctx context.Context, userID int64, qbd schedule.QBD) (timeline.Facts, error) {
	responses, err := f.store.ForVisit(ctx, userID, qbd.Bank.ID, qbd.Iteration)
	if err != nil {
		return timeline.Facts{}, err
	}

	var facts timeline.Facts
	doneAt := map[string]time.Time{}
	for i := range responses {
		q := &responses[i]
		if facts.Earliest == nil || q.Authored.Before(*facts.Earliest) {
			at := q.Authored
			facts.Earliest = &at
		}
		if !q.Completed() {
			continue
		}
		at := q.EffectiveCompletion()
		if prev, ok := doneAt[q.QuestionnaireName]; !ok || at.Before(prev) {
			doneAt[q.QuestionnaireName] = at
		}
	}

	var completion *time.Time
	for _, name := range qbd.Bank.InstrumentNames() {
		at, ok := doneAt[name]
		if !ok {
			return facts, nil
		}
		if completion == nil || at.After(*completion) {
			v := at
			completion = &v
		}
	}
	facts.Completion = completion
	return facts, nil
}

// VisitResponses returns the per-response metadata the status layer
// partitions instruments with.
func (f *Facts) VisitResponses(ctx context.Context, userID, bankID int64, iteration *int) ([]timeline.ResponseMeta, error) {
	responses, err := f.store.ForVisit(ctx, userID, bankID, iteration)
	if err != nil {
		return nil, err
	}
	metas := make([]timeline.ResponseMeta, 0, len(responses))
	for _, q := range responses {
		metas = append(metas, timeline.ResponseMeta{
			DocumentID:    q.DocumentID,
			Questionnaire: q.QuestionnaireName,
			Status:        q.Status,
			Authored:      q.Authored,
		})
	}
	return metas, nil
}
