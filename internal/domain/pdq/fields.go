package pdq

import "github.com/ehr/pdq/internal/platform/hl7v2"

// QPD-3 parameter codes.
const (
	CodePatientIdentifier = "@PID.3.1"
	CodeFamilyName        = "@PID.5.1.1"
	CodeGivenName         = "@PID.5.2"
	CodeBirthDate         = "@PID.7.1"
	CodeSex               = "@PID.8"
	CodeStreet            = "@PID.11.1.1"
	CodeCity              = "@PID.11.3"
	CodeState             = "@PID.11.4"
	CodePostalCode        = "@PID.11.5"
	CodeAccountNumber     = "@PID.18"
	CodeAccountNumberID   = "@PID.18.1"
	CodeWardName          = "@PV1.3.1"
)

// FieldKind tells how a column is projected and matched.
type FieldKind int

const (
	KindText FieldKind = iota
	KindDate
)

// DemographicField ties one projected column to the response field it fills.
type DemographicField struct {
	Name    string
	Column  string
	Kind    FieldKind
	Segment string
	Path    hl7v2.FieldPath
}

// Select returns the projection expression for f. Dates are rendered as
// HL7 DT values by the database so every record value is a string.
func (f DemographicField) Select() string {
	if f.Kind == KindDate {
		return "to_char(" + f.Column + ", 'YYYYMMDD')"
	}
	return f.Column + "::text"
}

// Field names.
const (
	FieldIdentifier    = "identifier"
	FieldFamilyName    = "family_name"
	FieldGivenName     = "given_name"
	FieldBirthDate     = "birth_date"
	FieldSex           = "sex"
	FieldStreet        = "street"
	FieldCity          = "city"
	FieldState         = "state"
	FieldPostalCode    = "postal_code"
	FieldAccountNumber = "account_number"
	FieldSSN           = "ssn"
	FieldMaritalStatus = "marital_status"
	FieldWardName      = "ward_name"
)

// demographicFields is the one ordered list shared by the search projection
// and by PID/PV1 population. Record values are read back by position.
var demographicFields = []DemographicField{
	{FieldIdentifier, "party.code", KindText, "PID", hl7v2.FieldPath{Field: 3, Component: 1}},
	{FieldFamilyName, "party.lastname", KindText, "PID", hl7v2.FieldPath{Field: 5, Component: 1}},
	{FieldGivenName, "party.name", KindText, "PID", hl7v2.FieldPath{Field: 5, Component: 2}},
	{FieldBirthDate, "party.dob", KindDate, "PID", hl7v2.FieldPath{Field: 7, Component: 1}},
	{FieldSex, "party.sex", KindText, "PID", hl7v2.FieldPath{Field: 8}},
	{FieldStreet, "address.street", KindText, "PID", hl7v2.FieldPath{Field: 11, Component: 1}},
	{FieldCity, "address.city", KindText, "PID", hl7v2.FieldPath{Field: 11, Component: 3}},
	{FieldState, "address.subdivision", KindText, "PID", hl7v2.FieldPath{Field: 11, Component: 4}},
	{FieldPostalCode, "address.zip", KindText, "PID", hl7v2.FieldPath{Field: 11, Component: 5}},
	{FieldAccountNumber, "party.ref", KindText, "PID", hl7v2.FieldPath{Field: 18, Component: 1}},
	{FieldSSN, "party.ref", KindText, "PID", hl7v2.FieldPath{Field: 19}},
	{FieldMaritalStatus, "party.marital_status", KindText, "PID", hl7v2.FieldPath{Field: 16, Component: 1}},
}

var wardField = DemographicField{FieldWardName, "ward.name", KindText, "PV1", hl7v2.FieldPath{Field: 3, Component: 1}}

// DemographicFields returns the ordered field table for v.
func DemographicFields(v Variant) []DemographicField {
	fields := append([]DemographicField(nil), demographicFields...)
	if v == VariantPDQV {
		fields = append(fields, wardField)
	}
	return fields
}

func fieldByName(v Variant, name string) (DemographicField, bool) {
	for _, f := range DemographicFields(v) {
		if f.Name == name {
			return f, true
		}
	}
	return DemographicField{}, false
}

// DemographicRecord is one search result. Values are positional against
// DemographicFields of the variant that produced it; NULLs are empty strings.
type DemographicRecord []string

// Get returns the value of the named field, or "" when absent.
func (r DemographicRecord) Get(v Variant, name string) string {
	for i, f := range DemographicFields(v) {
		if f.Name == name {
			if i < len(r) {
				return r[i]
			}
			return ""
		}
	}
	return ""
}
