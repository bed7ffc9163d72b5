// FHIR dateTime parsing. FHIR allows partial precision (year, year-month,
// date, full instant); everything is normalized to UTC.
package r4

import (
	"time"

	"github.com/patientflow/go-pro/internal/proerr"
)

// ParsedDateTime is a FHIR dateTime normalized to UTC, retaining the
// precision it was supplied with.
type ParsedDateTime struct {
	Time      time.Time
	Precision Precision
}

// Precision enumerates FHIR dateTime precisions.
type Precision int

const (
	PrecisionYear Precision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionSecond
)

// fhirLayouts maps, in order of specificity, the layouts a FHIR dateTime may
// use. Offsets are honored and the result converted to UTC.
var fhirLayouts = []struct {
	layout    string
	precision Precision
}{
	{time.RFC3339Nano, PrecisionSecond},
	{time.RFC3339, PrecisionSecond},
	{"2006-01-02T15:04:05", PrecisionSecond},
	{"2006-01-02", PrecisionDay},
	{"2006-01", PrecisionMonth},
	{"2006", PrecisionYear},
}

// ParseDateTime parses a FHIR dateTime string. Dates before 1900 are
// rejected: they are always data-entry mistakes in a longitudinal study.
func ParseDateTime(value string) (ParsedDateTime, error) {
	for _, l := range fhirLayouts {
		t, err := time.Parse(l.layout, value)
		if err != nil {
			continue
		}
		t = t.UTC()
		if t.Year() < 1900 {
			return ParsedDateTime{}, proerr.Wrap(proerr.ErrValidation, "dateTime %q precedes year 1900", value)
		}
		return ParsedDateTime{Time: t, Precision: l.precision}, nil
	}
	return ParsedDateTime{}, proerr.Wrap(proerr.ErrValidation, "unparseable FHIR dateTime %q", value)
}

// FormatDateTime renders t as a full-precision FHIR instant in UTC.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
