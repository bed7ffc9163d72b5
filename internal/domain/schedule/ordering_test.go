package schedule

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
	"github.com/patientflow/go-pro/internal/proerr"
)

type fakeRegistry struct {
	assignments       []protocol.ProtocolAssignment
	banksByProtocol   map[int64][]*protocol.QuestionnaireBank
	interventionBanks []*protocol.QuestionnaireBank
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
	return f.interventionBanks, nil
}

type fakeResponses struct {
	submitted map[string]bool // "bankID:iteration"
}

func (f *fakeResponses) HasSubmission(ctx context.Context, userID, bankID int64, iteration *int) (bool, error) {
	key := visitKey(bankID, iteration)
	return f.submitted[key], nil
}

func visitKey(bankID int64, iteration *int) string {
	if iteration == nil {
		return fmt.Sprintf("%d:baseline", bankID)
	}
	return fmt.Sprintf("%d:%d", bankID, *iteration)
}

type memHistory struct{ rows []consent.UserConsent }

func (m *memHistory) ConsentHistory(ctx context.Context, userID, studyID int64) ([]consent.UserConsent, error) {
	return m.rows, nil
}

func baselineBank(id int64, protoID int64) *protocol.QuestionnaireBank {
	return &protocol.QuestionnaireBank{
		ID:                 id,
		Name:               "baseline",
		Classification:     protocol.ClassificationBaseline,
		Expired:            protocol.Duration{Months: 3},
		ResearchProtocolID: &protoID,
		Questionnaires:     []protocol.BankQuestionnaire{{Rank: 0, Name: "epic26"}},
	}
}

func recurringBank(id int64, protoID int64, cycleMonths int, maxRec int) *protocol.QuestionnaireBank {
	return &protocol.QuestionnaireBank{
		ID:                 id,
		Name:               "recurring",
		Classification:     protocol.ClassificationRecurring,
		Expired:            protocol.Duration{Months: 2},
		ResearchProtocolID: &protoID,
		Questionnaires:     []protocol.BankQuestionnaire{{Rank: 0, Name: "epic26"}},
		Recurs: []protocol.Recur{
			{ID: id * 10, Start: protocol.Duration{Months: cycleMonths}, CycleLength: protocol.Duration{Months: cycleMonths}, MaxRecurrences: &maxRec},
		},
	}
}

func newOrdering(reg *fakeRegistry, history *memHistory, resp *fakeResponses) *Ordering {
	resolver := consent.NewResolver(history, zap.NewNop())
	if resp == nil {
		resp = &fakeResponses{submitted: map[string]bool{}}
	}
	return NewOrdering(reg, resolver, resp, zap.NewNop())
}

func TestOrderedNoConsentYieldsNothing(t *testing.T) {
	o := newOrdering(&fakeRegistry{}, &memHistory{}, nil)
	visits, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.NoError(t, err)
	assert.Empty(t, visits)
}

func TestOrderedBaselineThenRecurring(t *testing.T) {
	protoID := int64(1)
	reg := &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: protoID, Name: "v1", ResearchStudyID: 10}},
		},
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {baselineBank(1, protoID), recurringBank(2, protoID, 3, 3)},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2020, 1, 1), Status: consent.StatusConsented},
	}}
	o := newOrdering(reg, history, nil)

	visits, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.NoError(t, err)
	require.Len(t, visits, 4)

	assert.Nil(t, visits[0].Iteration)
	assert.Equal(t, day(2020, 1, 1), visits[0].RelativeStart)
	assert.Equal(t, day(2020, 4, 1), visits[1].RelativeStart)
	assert.Equal(t, day(2020, 7, 1), visits[2].RelativeStart)
	assert.Equal(t, day(2020, 10, 1), visits[3].RelativeStart)
	for _, q := range visits {
		assert.True(t, q.Adjusted())
	}
}

func TestOrderedStopsAtWithdrawal(t *testing.T) {
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
	o := newOrdering(reg, history, nil)

	visits, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.NoError(t, err)
	// Baseline (Jan 1) and Month-3 (Apr 1) precede withdrawal; Month-6 does not.
	require.Len(t, visits, 2)
	assert.Equal(t, day(2020, 1, 1), visits[0].RelativeStart)
	assert.Equal(t, day(2020, 4, 1), visits[1].RelativeStart)
}

func TestOrderedTooManyProtocolsRaises(t *testing.T) {
	reg := &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: 1}},
			{Protocol: protocol.ResearchProtocol{ID: 2}},
			{Protocol: protocol.ResearchProtocol{ID: 3}},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2020, 1, 1), Status: consent.StatusConsented},
	}}
	o := newOrdering(reg, history, nil)

	_, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrConfiguration))
}

func TestOrderedMissingBaselineRaises(t *testing.T) {
	protoID := int64(1)
	reg := &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: protoID, Name: "v1"}},
		},
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			protoID: {recurringBank(2, protoID, 3, 2)},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2020, 1, 1), Status: consent.StatusConsented},
	}}
	o := newOrdering(reg, history, nil)

	_, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrConfiguration))
}

func TestOrderedProtocolSwitchAtRetirement(t *testing.T) {
	retired := day(2019, 3, 1)
	oldID, newID := int64(1), int64(2)
	reg := &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: oldID, Name: "v2"}, RetiredAsOf: &retired},
			{Protocol: protocol.ResearchProtocol{ID: newID, Name: "v3"}},
		},
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			oldID: {baselineBank(1, oldID), recurringBank(2, oldID, 3, 8)},
			newID: {baselineBank(3, newID), recurringBank(4, newID, 3, 8)},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2018, 8, 20), Status: consent.StatusConsented},
	}}
	o := newOrdering(reg, history, nil)

	visits, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, visits)

	// Visits starting before retirement come from the old protocol; at or
	// after, from the new one.
	for _, q := range visits {
		if q.RelativeStart.Before(retired) {
			assert.Equal(t, oldID, *q.Bank.ResearchProtocolID, "visit %s", q.VisitName())
		} else {
			assert.Equal(t, newID, *q.Bank.ResearchProtocolID, "visit %s", q.VisitName())
		}
	}
}

func TestOrderedProtocolSwitchDeferredByOpenWork(t *testing.T) {
	// Old protocol retires 2019-03-01; the Month-6 visit started 2019-02-20
	// and has submitted work, so the switch waits for its window to close.
	retired := day(2019, 3, 1)
	oldID, newID := int64(1), int64(2)
	reg := &fakeRegistry{
		assignments: []protocol.ProtocolAssignment{
			{Protocol: protocol.ResearchProtocol{ID: oldID, Name: "v2"}, RetiredAsOf: &retired},
			{Protocol: protocol.ResearchProtocol{ID: newID, Name: "v3"}},
		},
		banksByProtocol: map[int64][]*protocol.QuestionnaireBank{
			oldID: {baselineBank(1, oldID), recurringBank(2, oldID, 3, 8)},
			newID: {baselineBank(3, newID), recurringBank(4, newID, 3, 8)},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2018, 8, 20), Status: consent.StatusConsented},
	}}
	one := 1
	resp := &fakeResponses{submitted: map[string]bool{visitKey(2, &one): true}}
	o := newOrdering(reg, history, resp)

	visits, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.NoError(t, err)

	// Month-6 (iteration 1, started 2019-02-20) stays on the old protocol.
	var month6 *QBD
	for i := range visits {
		if visits[i].Iteration != nil && *visits[i].Iteration == 1 {
			month6 = &visits[i]
			break
		}
	}
	require.NotNil(t, month6)
	assert.Equal(t, oldID, *month6.Bank.ResearchProtocolID)
	assert.Equal(t, day(2019, 2, 20), month6.RelativeStart)

	// No new-protocol visit starts inside Month-6's window.
	windowEnd := month6.ExpiredAt()
	for _, q := range visits {
		if *q.Bank.ResearchProtocolID == newID {
			assert.False(t, q.RelativeStart.Before(windowEnd), "visit %s starts during deferred window", q.VisitName())
		}
	}
}

func TestOrderedInterventionFallback(t *testing.T) {
	reg := &fakeRegistry{
		interventionBanks: []*protocol.QuestionnaireBank{
			{
				ID:             9,
				Name:           "symptom-tracker",
				Classification: protocol.ClassificationBaseline,
				Expired:        protocol.Duration{Months: 1},
				InterventionID: ptrInt64(5),
				Questionnaires: []protocol.BankQuestionnaire{{Rank: 0, Name: "symptoms"}},
			},
		},
	}
	history := &memHistory{rows: []consent.UserConsent{
		{ID: 1, UserID: 1, ResearchStudyID: 10, AcceptanceDate: day(2020, 1, 1), Status: consent.StatusConsented},
	}}
	o := newOrdering(reg, history, nil)

	visits, err := o.Ordered(context.Background(), 1, 10, Options{})
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "symptom-tracker", visits[0].Bank.Name)
}

func TestCalcAndAdjustStartDoubleAdjustRaises(t *testing.T) {
	qb := baselineBank(1, 1)
	q := NewQBD(qb, nil, nil, day(1970, 1, 1))
	user := day(2017, 6, 10).Add(20 * time.Hour)

	require.NoError(t, q.CalcAndAdjustStart(user, day(1970, 1, 1)))
	assert.Equal(t, user, q.RelativeStart)

	err := q.CalcAndAdjustStart(user, day(1970, 1, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrConfiguration))
}

func ptrInt64(v int64) *int64 { return &v }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
