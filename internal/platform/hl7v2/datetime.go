package hl7v2

import (
	"fmt"
	"time"
)

// DatePrecision is the granularity of an HL7 DT value.
type DatePrecision int

const (
	PrecisionYear DatePrecision = iota + 1
	PrecisionMonth
	PrecisionDay
)

// ParseDate parses an HL7 DT value (YYYY, YYYYMM or YYYYMMDD) and reports
// the precision it was given with. Calendar-invalid dates are rejected.
func ParseDate(s string) (time.Time, DatePrecision, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, 0, fmt.Errorf("hl7v2: invalid date %q", s)
		}
	}

	var layout string
	var prec DatePrecision
	switch len(s) {
	case 4:
		layout, prec = "2006", PrecisionYear
	case 6:
		layout, prec = "200601", PrecisionMonth
	case 8:
		layout, prec = "20060102", PrecisionDay
	default:
		return time.Time{}, 0, fmt.Errorf("hl7v2: invalid date %q", s)
	}

	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("hl7v2: invalid date %q: %w", s, err)
	}
	return t, prec, nil
}

// ValidDate reports whether s is a well-formed HL7 DT value.
func ValidDate(s string) bool {
	_, _, err := ParseDate(s)
	return err == nil
}

// DateRange returns the half-open interval [from, to) covered by a date of
// the given precision.
func DateRange(t time.Time, prec DatePrecision) (from, to time.Time) {
	switch prec {
	case PrecisionYear:
		return t, t.AddDate(1, 0, 0)
	case PrecisionMonth:
		return t, t.AddDate(0, 1, 0)
	default:
		return t, t.AddDate(0, 0, 1)
	}
}

// FormatDate renders t as YYYYMMDD.
func FormatDate(t time.Time) string {
	return t.Format("20060102")
}

// FormatTimestamp renders t as an HL7 TS value with second precision.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}
