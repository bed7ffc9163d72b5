package timeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/consent"
	"github.com/patientflow/go-pro/internal/domain/protocol"
	"github.com/patientflow/go-pro/internal/domain/schedule"
	"github.com/patientflow/go-pro/internal/proerr"
)

type memHistory struct{ rows []consent.UserConsent }

func (m *memHistory) ConsentHistory(ctx context.Context, userID, studyID int64) ([]consent.UserConsent, error) {
	return m.rows, nil
}

type fakeRegistry struct {
	assignments     []protocol.ProtocolAssignment
	banksByProtocol map[int64][]*protocol.QuestionnaireBank
}

func (f *fakeRegistry) ProtocolsForUser(ctx context.Context, userID, studyID int64) ([]protocol.ProtocolAssignment, error) {
	return f.assignments, nil
}

func (f *fakeRegistry) BanksByProtocol(ctx context.Context, protocolID int64, c protocol.Classification) ([]*protocol.QuestionnaireBank, error) {
	var out []*protocol.QuestionnaireBank
	for _, qb := range f.banksByProtocol[protocolID] {
		if qb.Classification == c {
			out = append(out, qb)
		}
	}
	return out, nil
}

func (f *fakeRegistry) BanksForInterventions(ctx context.Context, userID int64) ([]*protocol.QuestionnaireBank, error) {
	return nil, nil
}

// fakeResponses serves both the scheduling and the materialization views of
// the user's submissions.
type fakeResponses struct {
	facts map[string]Facts          // "%d:%v" bankID:iteration
	metas map[int64][]ResponseMeta  // bankID
}

func factKey(bankID int64, iteration *int) string {
	if iteration == nil {
		return fmt.Sprintf("%d:baseline", bankID)
	}
	return fmt.Sprintf("%d:%d", bankID, *iteration)
}

func (f *fakeResponses) HasSubmission(ctx context.Context, userID, bankID int64, iteration *int) (bool, error) {
	facts := f.facts[factKey(bankID, iteration)]
	return facts.Earliest != nil, nil
}

func (f *fakeResponses) VisitFacts(ctx context.Context, userID int64, qbd schedule.QBD) (Facts, error) {
	return f.facts[factKey(qbd.Bank.ID, qbd.Iteration)], nil
}

func (f *fakeResponses) VisitResponses(ctx context.Context, userID, bankID int64, iteration *int) ([]ResponseMeta, error) {
	return f.metas[bankID], nil
}

type memStore struct {
	rows    []Row
	inserts int
	nextID  int64
}

func (m *memStore) Rows(ctx context.Context, userID, studyID int64) ([]Row, error) {
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out, nil
}

func (m *memStore) HasRows(ctx context.Context, userID, studyID int64) (bool, error) {
	return len(m.rows) > 0, nil
}

func (m *memStore) InsertRows(ctx context.Context, rows []Row) error {
	for i := range rows {
		m.nextID++
		rows[i].ID = m.nextID
		m.rows = append(m.rows, rows[i])
	}
	m.inserts++
	return nil
}

func (m *memStore) DeleteRows(ctx context.Context, userID, studyID int64) error {
	m.rows = nil
	return nil
}

type memUsers struct {
	patient bool
	deleted bool
}

func (m *memUsers) PatientInfo(ctx context.Context, userID int64) (bool, bool, error) {
	return m.patient, m.deleted, nil
}

type passthroughLock struct{}

func (passthroughLock) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func baselineBank(id, protoID int64) *protocol.QuestionnaireBank {
	return &protocol.QuestionnaireBank{
		ID:                 id,
		Name:               "baseline",
		Classification:     protocol.ClassificationBaseline,
		Overdue:            &protocol.Duration{Months: 1},
		Expired:            protocol.Duration{Months: 3},
		ResearchProtocolID: &protoID,
		Questionnaires:     []protocol.BankQuestionnaire{{Rank: 0, Name: "epic26"}},
	}
}

func recurringBank(id, protoID int64, cycleMonths, maxRec int) *protocol.QuestionnaireBank {
	return &protocol.QuestionnaireBank{
		ID:                 id,
		Name:               "recurring",
		Classification:     protocol.ClassificationRecurring,
		Overdue:            &protocol.Duration{Months: 1},
		Expired:            protocol.Duration{Months: 2},
		ResearchProtocolID: &protoID,
		Questionnaires:     []protocol.BankQuestionnaire{{Rank: 0, Name: "epic26"}},
		Recurs: []protocol.Recur{
			{ID: id * 10, Start: protocol.Duration{Months: cycleMonths}, CycleLength: protocol.Duration{Months: cycleMonths}, MaxRecurrences: &maxRec},
		},
	}
}

type fixture struct {
	mat       *Materializer
	status    *StatusService
	store     *memStore
	responses *fakeResponses
	users     *memUsers
	history   *memHistory
}

func newFixture(reg *fakeRegistry, history *memHistory, responses *fakeResponses) *fixture {
	if responses == nil {
		responses = &fakeResponses{facts: map[string]Facts{}, metas: map[int64][]ResponseMeta{}}
	}
	resolver := consent.NewResolver(history, zap.NewNop())
	ordering := schedule.NewOrdering(reg, resolver, responses, zap.NewNop())
	store := &memStore{}
	users := &memUsers{patient: true}
	mat := NewMaterializer(ordering, resolver, responses, store, users, passthroughLock{}, zap.NewNop())
	return &fixture{
		mat:       mat,
		status:    NewStatusService(mat, store, ordering, resolver, responses, zap.NewNop()),
		store:     store,
		responses: responses,
		users:     users,
		history:   history,
	}
}

func consented(at time.Time) *memHistory {
	return &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: at, Status: consent.StatusConsented},
	}}
}

func singleBaselineRegistry() *fakeRegistry {
	protoID := int64(1)
	return &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: protoID, Name: "v1", ResearchStudyID: 10}},
		},
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {baselineBank(1, protoID)},
		},
	}
}

func TestUpdateNoSubmissions(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))

	rows := f.store.rows
	require.Len(t, rows, 3)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, day(2020, 1, 1), rows[0].At)
	assert.Equal(t, StatusOverdue, rows[1].Status)
	assert.Equal(t, day(2020, 2, 1), rows[1].At)
	assert.Equal(t, StatusExpired, rows[2].Status)
	assert.Equal(t, day(2020, 4, 1), rows[2].At)
}

func TestUpdateIsIdempotentWhilePopulated(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))
	assert.Equal(t, 1, f.store.inserts)
}

func TestUpdateInvalidateRebuilds(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, true))
	assert.Equal(t, 2, f.store.inserts)
	assert.Len(t, f.store.rows, 3)
}

func TestUpdateInWindowCompletion(t *testing.T) {
	started := day(2020, 1, 10)
	done := day(2020, 1, 20)
	responses := &fakeResponses{
		facts: map[string]Facts{
			"1:baseline": {Earliest: &started, Completion: &done},
		},
		metas: map[int64][]ResponseMeta{},
	}
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), responses)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))

	rows := f.store.rows
	require.Len(t, rows, 3)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, StatusInProgress, rows[1].Status)
	assert.Equal(t, started, rows[1].At)
	assert.Equal(t, StatusCompleted, rows[2].Status)
	assert.Equal(t, done, rows[2].At)
}

func TestUpdateCompletionAtExpirationInstantCounts(t *testing.T) {
	started := day(2020, 1, 10)
	done := day(2020, 4, 1) // exactly the expiration boundary
	responses := &fakeResponses{
		facts: map[string]Facts{
			"1:baseline": {Earliest: &started, Completion: &done},
		},
		metas: map[int64][]ResponseMeta{},
	}
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), responses)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))

	rows := f.store.rows
	require.Len(t, rows, 3)
	assert.Equal(t, StatusCompleted, rows[2].Status)
	for _, r := range rows {
		assert.NotEqual(t, StatusExpired, r.Status)
		assert.NotEqual(t, StatusOverdue, r.Status)
	}
}

func TestUpdateLateCompletionIsPartial(t *testing.T) {
	started := day(2020, 3, 25)
	done := day(2020, 4, 10) // after the window closed
	responses := &fakeResponses{
		facts: map[string]Facts{
			"1:baseline": {Earliest: &started, Completion: &done},
		},
		metas: map[int64][]ResponseMeta{},
	}
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), responses)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))

	rows := f.store.rows
	require.Len(t, rows, 3)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, StatusOverdue, rows[1].Status)
	assert.Equal(t, StatusPartiallyCompleted, rows[2].Status)
	assert.Equal(t, day(2020, 4, 1), rows[2].At)
}

func TestUpdateStartedNeverFinished(t *testing.T) {
	started := day(2020, 1, 10)
	responses := &fakeResponses{
		facts: map[string]Facts{
			"1:baseline": {Earliest: &started},
		},
		metas: map[int64][]ResponseMeta{},
	}
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), responses)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))

	rows := f.store.rows
	require.Len(t, rows, 3)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, StatusInProgress, rows[1].Status)
	assert.Equal(t, StatusPartiallyCompleted, rows[2].Status)
	assert.Equal(t, day(2020, 4, 1), rows[2].At)
}

func TestUpdateWithdrawalTruncatesAndTerminates(t *testing.T) {
	protoID := int64(1)
	reg := &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: protoID, Name: "v1", ResearchStudyID: 10}},
		},
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {baselineBank(1, protoID), recurringBank(2, protoID, 3, 4)},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2020, 1, 1), Status: consent.StatusConsented},
		{ID: 2, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2020, 4, 15), Status: consent.StatusSuspended},
	}}
	f := newFixture(reg, history, nil)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))

	rows := f.store.rows
	require.NotEmpty(t, rows)
	last := rows[len(rows)-1]
	assert.Equal(t, StatusWithdrawn, last.Status)
	assert.Equal(t, day(2020, 4, 15), last.At)
	for _, r := range rows[:len(rows)-1] {
		assert.True(t, r.At.Before(day(2020, 4, 15)), "row at %s survived withdrawal cutoff", r.At)
	}
}

func TestUpdateDeletedUser(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)
	f.users.deleted = true
	err := f.mat.Update(context.Background(), 1, 10, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrNotFound))
}

func TestUpdateNonPatient(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), consented(day(2020, 1, 1)), nil)
	f.users.patient = false
	err := f.mat.Update(context.Background(), 1, 10, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestUpdateNoConsentWritesNothing(t *testing.T) {
	f := newFixture(singleBaselineRegistry(), &memHistory{}, nil)
	require.NoError(t, f.mat.Update(context.Background(), 1, 10, false))
	assert.Empty(t, f.store.rows)
	assert.Equal(t, 0, f.store.inserts)
}
