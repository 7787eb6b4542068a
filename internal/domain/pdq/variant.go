package pdq

import "strings"

// Variant selects between the Patient Demographics Query and the Patient
// Demographics and Visit Query transactions. It is resolved once from MSH-9
// and drives everything that differs between the two: accepted parameter
// codes, joined tables, response header and response body groups.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantPDQ
	VariantPDQV
)

// Message type signatures (MSH-9).
const (
	PDQRequestType   = "QBP^Q22^QBP_Q21"
	PDQVRequestType  = "QBP^ZV1^QBP_Q21"
	PDQResponseType  = "RSP^K22^RSP_K21"
	PDQVResponseType = "RSP^ZV2^RSP_ZV2"
)

type variantSpec struct {
	name            string
	requestType     string
	responseType    string
	requestProfile  string
	responseProfile string
	codes           []string
	joins           []string
}

var pdqCodes = []string{
	CodePatientIdentifier,
	CodeFamilyName,
	CodeGivenName,
	CodeBirthDate,
	CodeSex,
	CodeStreet,
	CodeCity,
	CodeState,
	CodePostalCode,
	CodeAccountNumber,
	CodeAccountNumberID,
}

var demographicJoins = []string{
	"LEFT JOIN party_party AS party ON party.id = patient.name",
	"LEFT JOIN party_address AS address ON address.party = party.id",
}

var visitJoins = []string{
	"LEFT JOIN gnuhealth_inpatient_registration AS registration ON registration.patient = patient.id",
	"LEFT JOIN gnuhealth_hospital_bed AS bed ON bed.id = registration.bed",
	"LEFT JOIN gnuhealth_hospital_ward AS ward ON ward.id = bed.ward",
}

var variants = map[Variant]variantSpec{
	VariantPDQ: {
		name:            "pdq",
		requestType:     PDQRequestType,
		responseType:    PDQResponseType,
		requestProfile:  "pdq_request",
		responseProfile: "pdq_response",
		codes:           pdqCodes,
		joins:           demographicJoins,
	},
	VariantPDQV: {
		name:            "pdqv",
		requestType:     PDQVRequestType,
		responseType:    PDQVResponseType,
		requestProfile:  "pdqv_request",
		responseProfile: "pdqv_response",
		codes:           append(append([]string{}, pdqCodes...), CodeWardName),
		joins:           append(append([]string{}, demographicJoins...), visitJoins...),
	},
}

// VariantForMessageType maps an MSH-9 signature to its variant. Only the
// first three components are compared.
func VariantForMessageType(sig string) Variant {
	parts := strings.SplitN(sig, "^", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	key := strings.Join(parts, "^")
	for v, spec := range variants {
		if spec.requestType == key {
			return v
		}
	}
	return VariantUnknown
}

// ParseVariant accepts "pdq" or "pdqv" (case-insensitive).
func ParseVariant(s string) Variant {
	for v, spec := range variants {
		if strings.EqualFold(spec.name, s) {
			return v
		}
	}
	return VariantUnknown
}

func (v Variant) String() string {
	if spec, ok := variants[v]; ok {
		return spec.name
	}
	return "unknown"
}

// Valid reports whether v is PDQ or PDQV.
func (v Variant) Valid() bool {
	_, ok := variants[v]
	return ok
}

func (v Variant) RequestType() string     { return variants[v].requestType }
func (v Variant) ResponseType() string    { return variants[v].responseType }
func (v Variant) RequestProfile() string  { return variants[v].requestProfile }
func (v Variant) ResponseProfile() string { return variants[v].responseProfile }

// AllowedCodes returns the QPD-3 parameter codes accepted for v.
func (v Variant) AllowedCodes() []string {
	return append([]string(nil), variants[v].codes...)
}

// Allows reports whether code is an accepted QPD-3 parameter code for v.
func (v Variant) Allows(code string) bool {
	for _, c := range variants[v].codes {
		if c == code {
			return true
		}
	}
	return false
}

// Joins returns the fixed join clauses following FROM gnuhealth_patient.
func (v Variant) Joins() []string {
	return append([]string(nil), variants[v].joins...)
}
