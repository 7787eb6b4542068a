package pdq

import (
	"github.com/rs/zerolog"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// QueryParameter is one QPD-3 repetition: a code such as "@PID.5.1.1" and
// the value to match. Repetition is the 1-based index within QPD-3.
type QueryParameter struct {
	Code       string `json:"code"`
	Value      string `json:"value"`
	Repetition int    `json:"repetition"`
}

var (
	paramCodePath  = hl7v2.FieldPath{Field: 3, Component: 1}
	paramValuePath = hl7v2.FieldPath{Field: 3, Component: 2}
)

// ReadParameters returns every QPD-3 repetition of qpd, including ones with
// unknown codes or empty values.
func ReadParameters(qpd *hl7v2.Segment) []QueryParameter {
	if qpd == nil {
		return nil
	}
	n := qpd.Repetitions(3)
	params := make([]QueryParameter, 0, n)
	for rep := 1; rep <= n; rep++ {
		params = append(params, QueryParameter{
			Code:       qpd.Text(paramCodePath, rep),
			Value:      qpd.Text(paramValuePath, rep),
			Repetition: rep,
		})
	}
	return params
}

// ValidateParameters applies the request-shape checks in order: QPD-3 must
// hold at least one parameter, and each parameter needs an allowed code, a
// value, and a valid HL7 date when it queries the birth date.
func ValidateParameters(params []QueryParameter, v Variant) error {
	if len(params) == 0 {
		return &MissingQueryParametersError{}
	}
	for _, p := range params {
		if !v.Allows(p.Code) {
			return &InvalidQueryParameterCodeError{Code: p.Code, Repetition: p.Repetition}
		}
		if p.Value == "" {
			return &MissingQueryParameterValueError{Code: p.Code, Repetition: p.Repetition}
		}
		if p.Code == CodeBirthDate && !hl7v2.ValidDate(p.Value) {
			return &InvalidDateParameterValueError{Code: p.Code, Value: p.Value, Repetition: p.Repetition}
		}
	}
	return nil
}

// ExtractParameters keeps the parameters usable for a search. Unknown codes
// and empty values are dropped with a log note rather than failing.
func ExtractParameters(params []QueryParameter, v Variant, logger zerolog.Logger) []QueryParameter {
	out := make([]QueryParameter, 0, len(params))
	for _, p := range params {
		if _, ok := parameterMatches[p.Code]; !ok || !v.Allows(p.Code) {
			logger.Info().Str("code", p.Code).Int("repetition", p.Repetition).Msg("ignoring unknown query parameter")
			continue
		}
		if p.Value == "" {
			logger.Info().Str("code", p.Code).Msg("ignoring query parameter without value")
			continue
		}
		out = append(out, p)
	}
	return out
}
