package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientflow/go-pro/internal/proerr"
)

func TestDurationUnmarshalPluralUnits(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`{"months": 3, "days": 2}`), &d))
	assert.Equal(t, 3, d.Months)
	assert.Equal(t, 2, d.Days)
}

func TestDurationSingularUnitRejected(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`{"day": 1}`), &d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestDurationUnknownUnitRejected(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`{"fortnights": 1}`), &d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{Months: 3, Weeks: 1, Hours: 12}
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var back Duration
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)
}

func TestDurationRelativeToCalendarMath(t *testing.T) {
	base := time.Date(2020, 1, 31, 10, 0, 0, 0, time.UTC)

	got := Duration{Days: 14}.RelativeTo(base)
	assert.Equal(t, time.Date(2020, 2, 14, 10, 0, 0, 0, time.UTC), got)

	got = Duration{Months: 3}.RelativeTo(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC), got)

	got = Duration{Weeks: 2, Hours: 6}.RelativeTo(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2020, 1, 15, 6, 0, 0, 0, time.UTC), got)
}

func TestBankExportImportRoundTrip(t *testing.T) {
	protoID := int64(7)
	maxRec := 4
	qb := &QuestionnaireBank{
		ID:                 12,
		Name:               "localized",
		Classification:     ClassificationRecurring,
		Start:              Duration{},
		Expired:            Duration{Days: 14},
		Overdue:            &Duration{Days: 7},
		ResearchProtocolID: &protoID,
		Questionnaires: []BankQuestionnaire{
			{Rank: 0, Name: "epic26"},
			{Rank: 1, Name: "eortc"},
			{Rank: 2, Name: "comorb"},
		},
		Recurs: []Recur{
			{ID: 1, Start: Duration{Months: 3}, CycleLength: Duration{Months: 3}, MaxRecurrences: &maxRec},
		},
	}

	data, err := qb.ExportJSON()
	require.NoError(t, err)

	back, err := ImportBankJSON(data)
	require.NoError(t, err)
	assert.Equal(t, qb.Name, back.Name)
	assert.Equal(t, qb.Classification, back.Classification)
	assert.Equal(t, qb.Expired, back.Expired)
	assert.Equal(t, qb.Questionnaires, back.Questionnaires)
	assert.Equal(t, qb.Recurs, back.Recurs)
}

func TestBankValidateExclusiveAssignment(t *testing.T) {
	org, intervention := int64(1), int64(2)
	qb := &QuestionnaireBank{
		Name:           "conflicted",
		Classification: ClassificationBaseline,
		Expired:        Duration{Days: 30},
		OrganizationID: &org,
		InterventionID: &intervention,
	}
	err := qb.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}
