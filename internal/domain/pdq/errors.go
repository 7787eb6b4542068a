package pdq

import (
	"errors"
	"fmt"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// ErrorClass decides which acknowledgment shape answers an error.
type ErrorClass int

const (
	// ClassGeneric errors are answered with a bare ACK carrying one ERR.
	ClassGeneric ErrorClass = iota
	// ClassReject errors are answered with a full response and MSA-1 AR.
	ClassReject
	// ClassApplication errors are answered with a full response and MSA-1 AE.
	ClassApplication
)

func (c ErrorClass) String() string {
	switch c {
	case ClassGeneric:
		return "generic"
	case ClassReject:
		return "reject"
	case ClassApplication:
		return "application"
	default:
		return "unknown"
	}
}

// AckCode returns the MSA-1 value for the class.
func (c ErrorClass) AckCode() string {
	if c == ClassApplication {
		return hl7v2.AckError
	}
	return hl7v2.AckReject
}

// AckError is implemented by every error the supplier knows how to report.
type AckError interface {
	error
	Class() ErrorClass
	Detail() hl7v2.ErrorDetail
}

func qpdParamLocation(rep int) hl7v2.ErrorLocation {
	return hl7v2.ErrorLocation{Segment: "QPD", Sequence: 1, Field: 3, Repetition: rep}
}

// ProfileNotFoundError is returned when no message profile matches MSH-9.
type ProfileNotFoundError struct {
	MessageType string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("pdq: no message profile for %q", e.MessageType)
}

func (e *ProfileNotFoundError) Class() ErrorClass { return ClassGeneric }

func (e *ProfileNotFoundError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeApplicationInternalError,
		Text:     "Message profile not found for " + e.MessageType,
		Severity: hl7v2.SeverityError,
	}
}

// MalformedMessageError wraps parse and profile validation failures.
type MalformedMessageError struct {
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("pdq: malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func (e *MalformedMessageError) Class() ErrorClass { return ClassGeneric }

func (e *MalformedMessageError) Detail() hl7v2.ErrorDetail {
	d := hl7v2.ErrorDetail{
		Code:     hl7v2.CodeApplicationInternalError,
		Text:     "Malformed message: " + e.Err.Error(),
		Severity: hl7v2.SeverityError,
	}
	var v *hl7v2.ProfileViolation
	if errors.As(e.Err, &v) {
		d.Location = hl7v2.ErrorLocation{Segment: v.Segment, Sequence: v.Sequence, Field: v.Field}
	}
	return d
}

// SupplierDisabledError is returned when the supplier is switched off.
type SupplierDisabledError struct{}

func (e *SupplierDisabledError) Error() string { return "pdq: supplier disabled" }

func (e *SupplierDisabledError) Class() ErrorClass { return ClassGeneric }

func (e *SupplierDisabledError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeUnsupportedMessageType,
		Text:     "PDQ supplier is disabled",
		Severity: hl7v2.SeverityError,
		Location: hl7v2.ErrorLocation{Segment: "MSH", Sequence: 1, Field: 9},
	}
}

// InvalidSendingApplicationError is returned when MSH-3 is not allowed.
type InvalidSendingApplicationError struct {
	Application string
}

func (e *InvalidSendingApplicationError) Error() string {
	return fmt.Sprintf("pdq: sending application %q not allowed", e.Application)
}

func (e *InvalidSendingApplicationError) Class() ErrorClass { return ClassReject }

func (e *InvalidSendingApplicationError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeApplicationInternalError,
		Text:     "Sending application not allowed: " + e.Application,
		Severity: hl7v2.SeverityError,
		Location: hl7v2.ErrorLocation{Segment: "MSH", Sequence: 1, Field: 3},
	}
}

// MissingQueryParametersError is returned when QPD-3 is empty.
type MissingQueryParametersError struct{}

func (e *MissingQueryParametersError) Error() string { return "pdq: missing query parameters" }

func (e *MissingQueryParametersError) Class() ErrorClass { return ClassReject }

func (e *MissingQueryParametersError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeRequiredFieldMissing,
		Text:     "Missing query parameters",
		Severity: hl7v2.SeverityError,
		Location: qpdParamLocation(0),
	}
}

// InvalidQueryParameterCodeError is returned for a QPD-3 code outside the
// variant's allow-list.
type InvalidQueryParameterCodeError struct {
	Code       string
	Repetition int
}

func (e *InvalidQueryParameterCodeError) Error() string {
	return fmt.Sprintf("pdq: invalid query parameter code %q", e.Code)
}

func (e *InvalidQueryParameterCodeError) Class() ErrorClass { return ClassReject }

func (e *InvalidQueryParameterCodeError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeApplicationInternalError,
		Text:     "Invalid query parameter code: " + e.Code,
		Severity: hl7v2.SeverityError,
		Location: qpdParamLocation(e.Repetition),
	}
}

// MissingQueryParameterValueError is returned for a code without a value.
type MissingQueryParameterValueError struct {
	Code       string
	Repetition int
}

func (e *MissingQueryParameterValueError) Error() string {
	return fmt.Sprintf("pdq: missing value for query parameter %q", e.Code)
}

func (e *MissingQueryParameterValueError) Class() ErrorClass { return ClassReject }

func (e *MissingQueryParameterValueError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeRequiredFieldMissing,
		Text:     "Missing value for query parameter " + e.Code,
		Severity: hl7v2.SeverityError,
		Location: qpdParamLocation(e.Repetition),
	}
}

// InvalidDateParameterValueError is returned for a birth date that is not a
// valid HL7 date.
type InvalidDateParameterValueError struct {
	Code       string
	Value      string
	Repetition int
}

func (e *InvalidDateParameterValueError) Error() string {
	return fmt.Sprintf("pdq: invalid date %q for query parameter %q", e.Value, e.Code)
}

func (e *InvalidDateParameterValueError) Class() ErrorClass { return ClassReject }

func (e *InvalidDateParameterValueError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeDataTypeError,
		Text:     fmt.Sprintf("Invalid date value %s for query parameter %s", e.Value, e.Code),
		Severity: hl7v2.SeverityError,
		Location: qpdParamLocation(e.Repetition),
	}
}

// DataAccessError wraps any failure of the patient directory.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("pdq: %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

func (e *DataAccessError) Class() ErrorClass { return ClassApplication }

func (e *DataAccessError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeApplicationInternalError,
		Text:     "Error while querying patient data",
		Severity: hl7v2.SeverityError,
	}
}

// InternalError reports an unexpected failure. Its class depends on how far
// processing got before it happened.
type InternalError struct {
	Stage ErrorClass
	Err   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("pdq: internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Class() ErrorClass { return e.Stage }

func (e *InternalError) Detail() hl7v2.ErrorDetail {
	return hl7v2.ErrorDetail{
		Code:     hl7v2.CodeApplicationInternalError,
		Text:     "Internal error",
		Severity: hl7v2.SeverityError,
	}
}

// asAckError classifies err, falling back to an InternalError of the given
// class for anything that is not a known condition.
func asAckError(err error, fallback ErrorClass) AckError {
	var ae AckError
	if errors.As(err, &ae) {
		return ae
	}
	return &InternalError{Stage: fallback, Err: err}
}
