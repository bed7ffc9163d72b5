// Package response stores questionnaire responses and derives the per-visit
// submission facts the timeline is built from.
package response

import (
	"encoding/json"
	"time"
)

// QuestionnaireResponse is one stored submission. DocumentID is the FHIR
// document identifier and is unique per submission session; updates to an
// in-progress session reuse it. Once the (QuestionnaireBankID, QBIteration)
// pair is assigned it never changes, even if the visit windows later move.
// A response without a bank association is unclassified and ignored by the
// timeline.
type QuestionnaireResponse struct {
	ID                  int64           `json:"id"`
	SubjectID           int64           `json:"subject_id"`
	ResearchStudyID     int64           `json:"research_study_id"`
	QuestionnaireBankID *int64          `json:"questionnaire_bank_id,omitempty"`
	QBIteration         *int            `json:"qb_iteration,omitempty"`
	QuestionnaireName   string          `json:"questionnaire_name"`
	DocumentID          string          `json:"document_id"`
	Authored            time.Time       `json:"authored"`
	Status              string          `json:"status"`
	Document            json.RawMessage `json:"document"`
	EncounterID         *int64          `json:"encounter_id,omitempty"`

	// CompletionAt is the effective completion instant for completed
	// responses: the asserted completionDate extension when present,
	// authored otherwise.
	CompletionAt *time.Time `json:"completion_at,omitempty"`
}

// Completed reports whether the response reached its terminal status.
func (q *QuestionnaireResponse) Completed() bool {
	return q.Status == "completed"
}

// EffectiveCompletion returns the completion instant, falling back to
// authored when no override was recorded.
func (q *QuestionnaireResponse) EffectiveCompletion() time.Time {
	if q.CompletionAt != nil {
		return *q.CompletionAt
	}
	return q.Authored
}
