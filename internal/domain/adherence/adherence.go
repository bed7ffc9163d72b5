// Package adherence maintains the denormalized per-visit adherence cache
// the reporting endpoints stream from.
package adherence

import (
	"encoding/json"
	"fmt"
	"time"
)

// TTLs applied when persisting rows. Terminal visits never change, so their
// rows may live much longer.
const (
	TTLTerminal = 30 * 24 * time.Hour
	TTLActive   = 24 * time.Hour
)

// Row is one cached adherence record. RSIDVisit keys the row as
// "study:visit" with an optional " post-withdrawn" suffix.
type Row struct {
	ID        int64           `json:"id"`
	PatientID int64           `json:"patient_id"`
	RSIDVisit string          `json:"rs_id_visit"`
	ValidTill time.Time       `json:"valid_till"`
	Data      json.RawMessage `json:"data"`
}

// Report is the payload serialized into Row.Data.
type Report struct {
	PatientID      int64      `json:"patient_id"`
	StudyID        int64      `json:"research_study_id"`
	SiteID         int64      `json:"site_id"`
	Site           string     `json:"site"`
	ConsentDate    *time.Time `json:"consent_date,omitempty"`
	WithdrawalDate *time.Time `json:"withdrawal_date,omitempty"`
	Status         string     `json:"status"`
	Visit          string     `json:"visit"`
	CompletionDate *time.Time `json:"completion_date,omitempty"`
	EntryMethod    string     `json:"entry_method,omitempty"`

	// Sub-study extras.
	Clinician      string   `json:"clinician,omitempty"`
	TriggerDomains []string `json:"trigger_domains,omitempty"`
	DelayedByMail  bool     `json:"delayed_by_mail,omitempty"`
}

// VisitKey builds the cache key for a visit within a study.
func VisitKey(studyID int64, visit string, postWithdrawn bool) string {
	key := fmt.Sprintf("%d:%s", studyID, visit)
	if postWithdrawn {
		key += " post-withdrawn"
	}
	return key
}

// Terminal reports whether the status freezes the visit's row.
func Terminal(status string) bool {
	return status == "expired" || status == "withdrawn"
}

// TTLFor picks the row TTL for the status.
func TTLFor(status string) time.Duration {
	if Terminal(status) {
		return TTLTerminal
	}
	return TTLActive
}
