package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientflow/go-pro/internal/domain/consent"
	"github.com/patientflow/go-pro/internal/domain/protocol"
)

func withdrawnRow(id int64, at time.Time) consent.UserConsent {
	return consent.UserConsent{
		ID: id, UserID: 1, ResearchStudyID: 10,
		AcceptanceDate: at, Status: consent.StatusSuspended,
	}
}

func TestQBStatusDueBeforeAnySubmission(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 1, 15))
	require.NoError(t, err)

	assert.Equal(t, StatusDue, st.OverallStatus)
	require.NotNil(t, st.Current)
	assert.Equal(t, int64(1), st.Current.Bank.ID)
	require.NotNil(t, st.DueDate)
	assert.Equal(t, day(2020, 1, 1), *st.DueDate)
	assert.Nil(t, st.OverdueDate)
	assert.Equal(t, []string{"epic26"}, st.InstrumentsNeedingFullAssessment)
}

func TestQBStatusOverdueAfterOverdueDate(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 2, 15))
	require.NoError(t, err)

	assert.Equal(t, StatusOverdue, st.OverallStatus)
	require.NotNil(t, st.OverdueDate)
	assert.Equal(t, day(2020, 2, 1), *st.OverdueDate)
}

func TestQBStatusAsOfPrecedesLaterRows(t *testing.T) {
	// The same timeline reports different statuses at different instants.
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)

	early, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 1, 15))
	require.NoError(t, err)
	assert.Equal(t, StatusDue, early.OverallStatus)

	late, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, late.OverallStatus)
	// The window closed, so the visit is history.
	assert.Nil(t, late.Current)
	require.NotNil(t, late.Prev)
	assert.Equal(t, int64(1), late.Prev.Bank.ID)
}

func TestQBStatusCompletedVisit(t *testing.T) {
	started := day(2020, 1, 10)
	done := day(2020, 1, 20)
	responses := &fakeResponses{
		facts: map[string]Facts{
			"1:baseline": {Earliest: &started, Completion: &done},
		},
		metas: map[int64][]ResponseMeta{
			1: {{DocumentID: "doc-1", Questionnaire: "epic26", Status: "completed", Authored: done}},
		},
	}
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), responses)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 2, 15))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, st.OverallStatus)
	require.NotNil(t, st.CompletedDate)
	assert.Equal(t, done, *st.CompletedDate)
	assert.Equal(t, []string{"epic26"}, st.InstrumentsCompleted)
	assert.Empty(t, st.InstrumentsNeedingFullAssessment)
}

func TestQBStatusResumableInProgress(t *testing.T) {
	started := day(2020, 1, 10)
	responses := &fakeResponses{
		facts: map[string]Facts{
			"1:baseline": {Earliest: &started},
		},
		metas: map[int64][]ResponseMeta{
			1: {{DocumentID: "doc-7", Questionnaire: "epic26", Status: "in-progress", Authored: started}},
		},
	}
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), responses)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 1, 15))
	require.NoError(t, err)

	assert.Equal(t, StatusInProgress, st.OverallStatus)
	assert.Equal(t, []string{"doc-7"}, st.InstrumentsInProgress)
	assert.Empty(t, st.InstrumentsCompleted)
}

func TestQBStatusWithdrawnBeforeFirstVisit(t *testing.T) {
	history := consented(day(2020, 1, 1))
	history.rows = append(history.rows, withdrawnRow(2, day(2020, 1, 1)))

	f := newFixture(singleBaselineRegistry(), history, nil)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawn, st.OverallStatus)
}

func TestQBStatusWithdrawnMidTimeline(t *testing.T) {
	history := consented(day(2020, 1, 1))
	history.rows = append(history.rows, withdrawnRow(2, day(2020, 2, 15)))

	f := newFixture(singleBaselineRegistry(), history, nil)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawn, st.OverallStatus)
	require.NotNil(t, st.WithdrawnDate)
	assert.Equal(t, day(2020, 2, 15), *st.WithdrawnDate)
	// Work recorded before withdrawal stays visible.
	require.NotNil(t, st.DueDate)
	assert.Equal(t, day(2020, 1, 1), *st.DueDate)
}

func TestQBStatusNextVisit(t *testing.T) {
	protoID := int64(1)
	reg := &fakeRegistry{
		assignments: singleBaselineRegistry().assignments,
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {baselineBank(1, protoID), recurringBank(2, protoID, 3, 2)},
		},
	}
	f := newFixture(reg, consented(day(2020, 1, 1)), nil)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 1, 15))
	require.NoError(t, err)
	require.NotNil(t, st.Next)
	assert.Equal(t, int64(2), st.Next.Bank.ID)
	assert.Equal(t, day(2020, 4, 1), st.Next.RelativeStart)
}

func TestOlderQBDsReverseHistory(t *testing.T) {
	protoID := int64(1)
	reg := &fakeRegistry{
		assignments: singleBaselineRegistry().assignments,
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {baselineBank(1, protoID), recurringBank(2, protoID, 3, 2)},
		},
	}
	f := newFixture(reg, consented(day(2020, 1, 1)), nil)

	st, err := f.status.QBStatus(context.Background(), 1, 10, day(2020, 8, 1))
	require.NoError(t, err)
	require.NotNil(t, st.Current)

	older, err := f.status.OlderQBDs(context.Background(), 1, 10, st.Current)
	require.NoError(t, err)
	require.Len(t, older, 2)
	// Most recent first, each carrying its final status.
	assert.Equal(t, day(2020, 4, 1), older[0].QBD.RelativeStart)
	assert.Equal(t, StatusExpired, older[0].Status)
	assert.Equal(t, day(2020, 1, 1), older[1].QBD.RelativeStart)
	assert.Equal(t, StatusExpired, older[1].Status)
}

func TestIndefStatusPrecedence(t *testing.T) {
	protoID := int64(1)
	indef := &protocol.QuestionnaireBank{
		ID:                 5,
		Name:               "irondemog",
		Classification:     protocol.ClassificationIndefinite,
		ResearchProtocolID: &protoID,
		Questionnaires:     []protocol.BankQuestionnaire{{Rank: 0, Name: "irondemog"}},
	}
	reg := &fakeRegistry{
		assignments: singleBaselineRegistry().assignments,
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {baselineBank(1, protoID), indef},
		},
	}

	t.Run("due when untouched", func(t *testing.T) {
		f := newFixture(reg, consented(day(2020, 1, 1)), nil)
		status, err := f.status.IndefStatus(context.Background(), 1, 10)
		require.NoError(t, err)
		assert.Equal(t, StatusDue, status)
	})

	t.Run("completed survives withdrawal", func(t *testing.T) {
		responses := &fakeResponses{
			facts: map[string]Facts{},
			metas: map[int64][]ResponseMeta{
				5: {{DocumentID: "doc-9", Questionnaire: "irondemog", Status: "completed", Authored: day(2020, 1, 5)}},
			},
		}
		history := consented(day(2020, 1, 1))
		history.rows = append(history.rows, withdrawnRow(2, day(2020, 2, 1)))
		f := newFixture(reg, history, responses)
		status, err := f.status.IndefStatus(context.Background(), 1, 10)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, status)
	})

	t.Run("partial when started then withdrawn", func(t *testing.T) {
		responses := &fakeResponses{
			facts: map[string]Facts{},
			metas: map[int64][]ResponseMeta{
				5: {{DocumentID: "doc-9", Questionnaire: "irondemog", Status: "in-progress", Authored: day(2020, 1, 5)}},
			},
		}
		history := consented(day(2020, 1, 1))
		history.rows = append(history.rows, withdrawnRow(2, day(2020, 2, 1)))
		f := newFixture(reg, history, responses)
		status, err := f.status.IndefStatus(context.Background(), 1, 10)
		require.NoError(t, err)
		assert.Equal(t, StatusPartiallyCompleted, status)
	})

	t.Run("withdrawn when untouched and withdrawn", func(t *testing.T) {
		history := consented(day(2020, 1, 1))
		history.rows = append(history.rows, withdrawnRow(2, day(2020, 2, 1)))
		f := newFixture(reg, history, nil)
		status, err := f.status.IndefStatus(context.Background(), 1, 10)
		require.NoError(t, err)
		assert.Equal(t, StatusWithdrawn, status)
	})
}
