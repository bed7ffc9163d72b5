package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/messaging"
	"github.com/patientflow/go-pro/internal/proerr"
)

type memTriggerStore struct {
	states  []TriggerState
	optouts map[int64][]string
	nextID  int64
}

func (m *memTriggerStore) Latest(ctx context.Context, userID int64, visitMonth int) (*TriggerState, error) {
	var latest *TriggerState
	for i := range m.states {
		s := &m.states[i]
		if s.UserID == userID && s.VisitMonth == visitMonth {
			latest = s
		}
	}
	return latest, nil
}

func (m *memTriggerStore) LatestPerVisit(ctx context.Context, userID int64) ([]TriggerState, error) {
	byVisit := map[int]TriggerState{}
	for _, s := range m.states {
		if s.UserID == userID {
			byVisit[s.VisitMonth] = s
		}
	}
	var out []TriggerState
	for month := 0; month < 64; month++ {
		if s, ok := byVisit[month]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memTriggerStore) Append(ctx context.Context, ts *TriggerState) error {
	m.nextID++
	ts.ID = m.nextID
	m.states = append(m.states, *ts)
	return nil
}

func (m *memTriggerStore) InState(ctx context.Context, state State) ([]TriggerState, error) {
	latest := map[[2]int64]TriggerState{}
	for _, s := range m.states {
		latest[[2]int64{s.UserID, int64(s.VisitMonth)}] = s
	}
	var out []TriggerState
	for _, s := range latest {
		if s.State == state {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memTriggerStore) OptedOutDomains(ctx context.Context, userID int64) ([]string, error) {
	return m.optouts[userID], nil
}

type recordingMailer struct {
	sent []struct {
		Variant string
		To      []string
	}
	failVariants map[string]bool
}

func (m *recordingMailer) Send(ctx context.Context, template string, to []string, vars messaging.Vars) (*messaging.Email, error) {
	if m.failVariants[template] {
		return nil, proerr.Wrap(proerr.ErrMessagingFailure, "send rejected")
	}
	m.sent = append(m.sent, struct {
		Variant string
		To      []string
	}{template, to})
	return &messaging.Email{ID: "email-" + template, Subject: template, CreatedAt: time.Now().UTC()}, nil
}

type staticDirectory struct{}

func (staticDirectory) PatientContact(ctx context.Context, userID int64) (string, string, error) {
	return "Ada", "ada@example.org", nil
}

func (staticDirectory) StaffEmails(ctx context.Context, userID int64) ([]string, error) {
	return []string{"care@example.org"}, nil
}

type noWaitLock struct{ busy bool }

func (l noWaitLock) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if l.busy {
		return proerr.Wrap(proerr.ErrLockTimeout, "lock %s busy", key)
	}
	return fn(ctx)
}

func processedState(userID int64, triggers *Triggers) TriggerState {
	return TriggerState{
		UserID:     userID,
		VisitMonth: 0,
		State:      StateProcessed,
		Timestamp:  time.Now().UTC(),
		Triggers:   triggers,
	}
}

func newFireJob(store *memTriggerStore, mailer *recordingMailer) *FireJob {
	return NewFireJob(store, mailer, staticDirectory{}, noWaitLock{}, zap.NewNop())
}

func TestFireThankYouWhenNoTriggers(t *testing.T) {
	store := &memTriggerStore{}
	store.Append(context.Background(), &TriggerState{UserID: 1, State: StateProcessed, Triggers: &Triggers{}})
	mailer := &recordingMailer{}

	require.NoError(t, newFireJob(store, mailer).Run(context.Background()))

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, messaging.VariantThankYou, mailer.sent[0].Variant)
	assert.Equal(t, []string{"ada@example.org"}, mailer.sent[0].To)

	latest, _ := store.Latest(context.Background(), 1, 0)
	assert.Equal(t, StateTriggered, latest.State)
	assert.Len(t, latest.Triggers.Actions.Email, 1)
}

func TestFireSoftVariant(t *testing.T) {
	store := &memTriggerStore{}
	ts := processedState(1, &Triggers{Domain: map[string]map[string]Severity{
		"fatigue": {"q1": SeveritySoft},
	}})
	store.Append(context.Background(), &ts)
	mailer := &recordingMailer{}

	require.NoError(t, newFireJob(store, mailer).Run(context.Background()))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, messaging.VariantSoftTriggers, mailer.sent[0].Variant)
}

func TestFireHardSendsStaffEmail(t *testing.T) {
	store := &memTriggerStore{}
	ts := processedState(1, &Triggers{Domain: map[string]map[string]Severity{
		"anxious": {"q1": SeverityHard},
	}})
	store.Append(context.Background(), &ts)
	mailer := &recordingMailer{}

	require.NoError(t, newFireJob(store, mailer).Run(context.Background()))

	require.Len(t, mailer.sent, 2)
	assert.Equal(t, messaging.VariantHardTriggers, mailer.sent[0].Variant)
	assert.Equal(t, messaging.VariantStaff, mailer.sent[1].Variant)
	assert.Equal(t, []string{"care@example.org"}, mailer.sent[1].To)

	latest, _ := store.Latest(context.Background(), 1, 0)
	assert.Equal(t, StateTriggered, latest.State)
	assert.Len(t, latest.Triggers.Actions.Email, 2)
}

func TestFireOptedOutStaffVariant(t *testing.T) {
	store := &memTriggerStore{optouts: map[int64][]string{1: {"anxious"}}}
	ts := processedState(1, &Triggers{Domain: map[string]map[string]Severity{
		"anxious": {"q1": SeverityHard},
	}})
	store.Append(context.Background(), &ts)
	mailer := &recordingMailer{}

	require.NoError(t, newFireJob(store, mailer).Run(context.Background()))
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, messaging.VariantStaffOptedOut, mailer.sent[1].Variant)
}

func TestFireSendFailureRecordsErrorAndAdvances(t *testing.T) {
	store := &memTriggerStore{}
	store.Append(context.Background(), &TriggerState{UserID: 1, State: StateProcessed, Triggers: &Triggers{}})
	mailer := &recordingMailer{failVariants: map[string]bool{messaging.VariantThankYou: true}}

	require.NoError(t, newFireJob(store, mailer).Run(context.Background()))

	latest, _ := store.Latest(context.Background(), 1, 0)
	assert.Equal(t, StateTriggered, latest.State)
	assert.Empty(t, latest.Triggers.Actions.Email)
	require.Len(t, latest.Triggers.Errors, 1)
	assert.Contains(t, latest.Triggers.Errors[0], messaging.VariantThankYou)
}

func TestFireSkipsWhenLockBusy(t *testing.T) {
	store := &memTriggerStore{}
	store.Append(context.Background(), &TriggerState{UserID: 1, State: StateProcessed, Triggers: &Triggers{}})
	mailer := &recordingMailer{}

	job := NewFireJob(store, mailer, staticDirectory{}, noWaitLock{busy: true}, zap.NewNop())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, mailer.sent)
}
