package response

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/fhir/r4"
	"github.com/patientflow/go-pro/internal/proerr"
)

func newValidationService() *Service {
	// Validation failures never reach the pool or the ordering layer.
	return NewService(nil, &memStore{}, nil, nil, zap.NewNop())
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	s := newValidationService()
	_, err := s.Submit(context.Background(), 1, 10, []byte(`{"resourceType":`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestSubmitRejectsWrongResourceType(t *testing.T) {
	s := newValidationService()
	_, err := s.Submit(context.Background(), 1, 10, []byte(`{"resourceType":"Patient","status":"completed"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestSubmitRejectsUnsupportedStatus(t *testing.T) {
	s := newValidationService()
	payload := []byte(`{"resourceType":"QuestionnaireResponse","status":"amended","questionnaire":"Questionnaire/epic26"}`)
	_, err := s.Submit(context.Background(), 1, 10, payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestSubmitRejectsMissingQuestionnaire(t *testing.T) {
	s := newValidationService()
	payload := []byte(`{"resourceType":"QuestionnaireResponse","status":"completed"}`)
	_, err := s.Submit(context.Background(), 1, 10, payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestSubmitRejectsSubjectMismatch(t *testing.T) {
	s := newValidationService()
	payload := []byte(`{
		"resourceType": "QuestionnaireResponse",
		"status": "completed",
		"questionnaire": "Questionnaire/epic26",
		"subject": {"reference": "Patient/42"}
	}`)
	_, err := s.Submit(context.Background(), 1, 10, payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestSubmitRejectsPreEpochAuthored(t *testing.T) {
	s := newValidationService()
	payload := []byte(`{
		"resourceType": "QuestionnaireResponse",
		"status": "completed",
		"questionnaire": "Questionnaire/epic26",
		"authored": "1850-06-01T00:00:00Z"
	}`)
	_, err := s.Submit(context.Background(), 1, 10, payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrValidation))
}

func TestDocumentIDPrefersResourceID(t *testing.T) {
	doc := &r4.QuestionnaireResponse{ID: "doc-1", Identifier: &r4.Identifier{Value: "ident-2"}}
	assert.Equal(t, "doc-1", documentID(doc))

	doc = &r4.QuestionnaireResponse{Identifier: &r4.Identifier{Value: "ident-2"}}
	assert.Equal(t, "ident-2", documentID(doc))

	minted := documentID(&r4.QuestionnaireResponse{})
	assert.NotEmpty(t, minted)
	assert.NotEqual(t, minted, documentID(&r4.QuestionnaireResponse{}))
}
