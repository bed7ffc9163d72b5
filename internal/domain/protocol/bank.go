package protocol

import (
	"encoding/json"
	"time"

	"github.com/patientflow/go-pro/internal/proerr"
)

// Classification partitions questionnaire banks by how they recur.
type Classification string

const (
	ClassificationBaseline   Classification = "baseline"
	ClassificationRecurring  Classification = "recurring"
	ClassificationIndefinite Classification = "indefinite"
	ClassificationOther      Classification = "other"
)

// ResearchProtocol names a versioned schedule of questionnaire banks within
// a research study.
type ResearchProtocol struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	ResearchStudyID int64     `json:"research_study_id"`
}

// ProtocolAssignment is a protocol adopted by a patient's organization,
// optionally retired when the organization moved to a successor protocol.
type ProtocolAssignment struct {
	Protocol  ResearchProtocol `json:"protocol"`
	RetiredAsOf *time.Time     `json:"retired_as_of,omitempty"`
}

// Retired reports whether the assignment was retired at or before t.
func (pa ProtocolAssignment) Retired(t time.Time) bool {
	return pa.RetiredAsOf != nil && !t.Before(*pa.RetiredAsOf)
}

// BankQuestionnaire is one ordered instrument within a bank.
type BankQuestionnaire struct {
	Rank            int    `json:"rank"`
	Name            string `json:"name"`
	DaysTillDue     *int   `json:"days_till_due,omitempty"`
	DaysTillOverdue *int   `json:"days_till_overdue,omitempty"`
}

// QuestionnaireBank is a named set of questionnaires administered together
// at one visit. A bank is assigned either through a research protocol (and
// thereby organizations) or directly to an intervention, never both.
type QuestionnaireBank struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	Classification     Classification      `json:"classification"`
	Start              Duration            `json:"start"`
	Due                *Duration           `json:"due,omitempty"`
	Overdue            *Duration           `json:"overdue,omitempty"`
	Expired            Duration            `json:"expired"`
	ResearchProtocolID *int64              `json:"research_protocol_id,omitempty"`
	OrganizationID     *int64              `json:"organization_id,omitempty"`
	InterventionID     *int64              `json:"intervention_id,omitempty"`
	Questionnaires     []BankQuestionnaire `json:"questionnaires"`
	Recurs             []Recur             `json:"recurs,omitempty"`
}

// Validate enforces the assignment and shape invariants.
func (qb *QuestionnaireBank) Validate() error {
	if qb.Name == "" {
		return proerr.Wrap(proerr.ErrValidation, "questionnaire bank requires a name")
	}
	switch qb.Classification {
	case ClassificationBaseline, ClassificationRecurring, ClassificationIndefinite, ClassificationOther:
	default:
		return proerr.Wrap(proerr.ErrValidation, "bank %s: unknown classification %q", qb.Name, qb.Classification)
	}
	if qb.OrganizationID != nil && qb.InterventionID != nil {
		return proerr.Wrap(proerr.ErrValidation, "bank %s: organization and intervention assignment are exclusive", qb.Name)
	}
	if qb.Expired.IsZero() && qb.Classification != ClassificationIndefinite {
		return proerr.Wrap(proerr.ErrValidation, "bank %s: expired duration is required", qb.Name)
	}
	if qb.Classification == ClassificationRecurring && len(qb.Recurs) == 0 {
		return proerr.Wrap(proerr.ErrValidation, "bank %s: recurring bank requires at least one recur", qb.Name)
	}
	for i, q := range qb.Questionnaires {
		if q.Name == "" {
			return proerr.Wrap(proerr.ErrValidation, "bank %s: questionnaire link %d missing name", qb.Name, i)
		}
	}
	return nil
}

// InstrumentNames returns the bank's required instruments in rank order.
// Questionnaires are stored rank-ordered; this does not re-sort.
func (qb *QuestionnaireBank) InstrumentNames() []string {
	names := make([]string, 0, len(qb.Questionnaires))
	for _, q := range qb.Questionnaires {
		names = append(names, q.Name)
	}
	return names
}

// Contains reports whether the bank requires the named instrument.
func (qb *QuestionnaireBank) Contains(instrument string) bool {
	for _, q := range qb.Questionnaires {
		if q.Name == instrument {
			return true
		}
	}
	return false
}

// ExportJSON serializes the bank for configuration interchange.
func (qb *QuestionnaireBank) ExportJSON() ([]byte, error) {
	if err := qb.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(qb, "", "  ")
}

// ImportBankJSON parses and validates a bank definition produced by
// ExportJSON.
func ImportBankJSON(data []byte) (*QuestionnaireBank, error) {
	var qb QuestionnaireBank
	if err := json.Unmarshal(data, &qb); err != nil {
		return nil, proerr.Wrap(proerr.ErrValidation, "bank definition: %v", err)
	}
	if err := qb.Validate(); err != nil {
		return nil, err
	}
	return &qb, nil
}
