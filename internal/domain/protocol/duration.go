// Package protocol defines research protocols, questionnaire banks, and
// their recurrence rules.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/patientflow/go-pro/internal/proerr"
)

// Duration is a calendar-aware offset serialized as a JSON object keyed by
// plural units, e.g. {"days": 7} or {"months": 3}. Singular keys are
// rejected. Calendar units (years, months) shift by calendar arithmetic so a
// three-month visit lands on the same day-of-month.
type Duration struct {
	Years   int
	Months  int
	Weeks   int
	Days    int
	Hours   int
	Minutes int
}

var durationUnits = map[string]bool{
	"years": true, "months": true, "weeks": true,
	"days": true, "hours": true, "minutes": true,
}

// singularUnits lists the rejected singular spellings so the error can name
// the correction.
var singularUnits = map[string]string{
	"year": "years", "month": "months", "week": "weeks",
	"day": "days", "hour": "hours", "minute": "minutes",
}

// UnmarshalJSON decodes the plural-unit object form.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return proerr.Wrap(proerr.ErrValidation, "duration must be a JSON object of unit counts: %v", err)
	}
	out := Duration{}
	for unit, n := range raw {
		if plural, ok := singularUnits[unit]; ok {
			return proerr.Wrap(proerr.ErrValidation, "duration unit %q must be plural %q", unit, plural)
		}
		if !durationUnits[unit] {
			return proerr.Wrap(proerr.ErrValidation, "unknown duration unit %q", unit)
		}
		switch unit {
		case "years":
			out.Years = n
		case "months":
			out.Months = n
		case "weeks":
			out.Weeks = n
		case "days":
			out.Days = n
		case "hours":
			out.Hours = n
		case "minutes":
			out.Minutes = n
		}
	}
	*d = out
	return nil
}

// MarshalJSON emits only the non-zero units.
func (d Duration) MarshalJSON() ([]byte, error) {
	raw := map[string]int{}
	if d.Years != 0 {
		raw["years"] = d.Years
	}
	if d.Months != 0 {
		raw["months"] = d.Months
	}
	if d.Weeks != 0 {
		raw["weeks"] = d.Weeks
	}
	if d.Days != 0 {
		raw["days"] = d.Days
	}
	if d.Hours != 0 {
		raw["hours"] = d.Hours
	}
	if d.Minutes != 0 {
		raw["minutes"] = d.Minutes
	}
	return json.Marshal(raw)
}

// RelativeTo returns t shifted by the duration.
func (d Duration) RelativeTo(t time.Time) time.Time {
	t = t.AddDate(d.Years, d.Months, d.Days+7*d.Weeks)
	return t.Add(time.Duration(d.Hours)*time.Hour + time.Duration(d.Minutes)*time.Minute)
}

// IsZero reports whether the duration has no units set.
func (d Duration) IsZero() bool {
	return d == Duration{}
}
