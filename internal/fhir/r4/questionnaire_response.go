// Package r4 models the QuestionnaireResponse resource and its items.
package r4

import (
	"strings"

	"github.com/patientflow/go-pro/internal/proerr"
)

// QuestionnaireResponse represents a FHIR R4 QuestionnaireResponse resource.
type QuestionnaireResponse struct {
	ResourceType  string                      `json:"resourceType"`
	ID            string                      `json:"id,omitempty"`
	Meta          *Meta                       `json:"meta,omitempty"`
	Identifier    *Identifier                 `json:"identifier,omitempty"`
	Questionnaire string                      `json:"questionnaire,omitempty"`
	Status        string                      `json:"status"`
	Subject       *Reference                  `json:"subject,omitempty"`
	Encounter     *Reference                  `json:"encounter,omitempty"`
	Authored      string                      `json:"authored,omitempty"`
	Author        *Reference                  `json:"author,omitempty"`
	Source        *Reference                  `json:"source,omitempty"`
	Extension     []Extension                 `json:"extension,omitempty"`
	Item          []QuestionnaireResponseItem `json:"item,omitempty"`
}

// QuestionnaireResponseItem is one answered group or question.
type QuestionnaireResponseItem struct {
	LinkID string                        `json:"linkId"`
	Text   string                        `json:"text,omitempty"`
	Answer []QuestionnaireResponseAnswer `json:"answer,omitempty"`
	Item   []QuestionnaireResponseItem   `json:"item,omitempty"`
}

// QuestionnaireResponseAnswer is a single answer value.
type QuestionnaireResponseAnswer struct {
	ValueBoolean *bool     `json:"valueBoolean,omitempty"`
	ValueDecimal *float64  `json:"valueDecimal,omitempty"`
	ValueInteger *int      `json:"valueInteger,omitempty"`
	ValueString  string    `json:"valueString,omitempty"`
	ValueCoding  *Coding   `json:"valueCoding,omitempty"`
	ValueDate    string    `json:"valueDate,omitempty"`
	ValueTime    string    `json:"valueTime,omitempty"`
	ValueRef     *Reference `json:"valueReference,omitempty"`
}

// Validate checks the fields the engine depends on.
func (qr *QuestionnaireResponse) Validate() error {
	if qr.ResourceType != "QuestionnaireResponse" {
		return proerr.Wrap(proerr.ErrValidation, "resourceType must be QuestionnaireResponse, got %q", qr.ResourceType)
	}
	switch qr.Status {
	case StatusInProgress, StatusCompleted:
	case "":
		return proerr.Wrap(proerr.ErrValidation, "status is required")
	default:
		return proerr.Wrap(proerr.ErrValidation, "unsupported status %q", qr.Status)
	}
	if qr.Authored != "" {
		if _, err := ParseDateTime(qr.Authored); err != nil {
			return err
		}
	}
	return nil
}

// QuestionnaireName extracts the questionnaire instrument name from the
// canonical questionnaire reference ("Questionnaire/epic26" -> "epic26").
func (qr *QuestionnaireResponse) QuestionnaireName() string {
	ref := qr.Questionnaire
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		ref = ref[idx+1:]
	}
	// Strip any version suffix from a canonical URL.
	if idx := strings.Index(ref, "|"); idx >= 0 {
		ref = ref[:idx]
	}
	return ref
}

// SubjectID extracts the local patient identifier from the subject reference.
func (qr *QuestionnaireResponse) SubjectID() string {
	if qr.Subject == nil {
		return ""
	}
	ref := qr.Subject.Reference
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}

// CompletionDate returns the asserted completion instant from the
// completionDate extension, or nil when the extension is absent or
// unparseable. Advisory only; callers fall back to authored.
func (qr *QuestionnaireResponse) CompletionDate() *ParsedDateTime {
	ext := FindExtension(qr.Extension, ExtensionCompletionDate)
	if ext == nil || ext.ValueDateTime == "" {
		return nil
	}
	parsed, err := ParseDateTime(ext.ValueDateTime)
	if err != nil {
		return nil
	}
	return &parsed
}
