package pdq

import (
	"fmt"
	"strings"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// Operator is how a condition compares its column.
type Operator int

const (
	OpEqual Operator = iota
	OpLike
	OpDateRange
)

func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpLike:
		return "ILIKE"
	case OpDateRange:
		return "range"
	default:
		return "?"
	}
}

type parameterMatch struct {
	field string
	op    Operator
}

// parameterMatches maps QPD-3 codes onto the demographic field they filter.
var parameterMatches = map[string]parameterMatch{
	CodePatientIdentifier: {FieldIdentifier, OpEqual},
	CodeFamilyName:        {FieldFamilyName, OpLike},
	CodeGivenName:         {FieldGivenName, OpLike},
	CodeBirthDate:         {FieldBirthDate, OpDateRange},
	CodeSex:               {FieldSex, OpEqual},
	CodeStreet:            {FieldStreet, OpLike},
	CodeCity:              {FieldCity, OpLike},
	CodeState:             {FieldState, OpEqual},
	CodePostalCode:        {FieldPostalCode, OpEqual},
	CodeAccountNumber:     {FieldAccountNumber, OpEqual},
	CodeAccountNumberID:   {FieldAccountNumber, OpEqual},
	CodeWardName:          {FieldWardName, OpEqual},
}

// Condition is one column test. Args holds one value for OpEqual and OpLike
// (the LIKE pattern, already translated) and the half-open bounds
// [from, to) as YYYY-MM-DD for OpDateRange.
type Condition struct {
	Code   string
	Column string
	Op     Operator
	Args   []string
}

// WhereSpec is the AND of its conditions. It is plain data; SQL renders it.
type WhereSpec struct {
	Conditions []Condition
}

// Empty reports whether w filters nothing.
func (w WhereSpec) Empty() bool { return len(w.Conditions) == 0 }

// MapToColumns converts parameters into a WhereSpec. Parameters with codes
// that have no column for v or dates that do not parse are skipped; callers
// run ValidateParameters first.
func MapToColumns(params []QueryParameter, v Variant) WhereSpec {
	var w WhereSpec
	for _, p := range params {
		m, ok := parameterMatches[p.Code]
		if !ok || !v.Allows(p.Code) {
			continue
		}
		f, ok := fieldByName(v, m.field)
		if !ok {
			continue
		}
		c := Condition{Code: p.Code, Column: f.Column, Op: m.op}
		switch m.op {
		case OpLike:
			c.Args = []string{LikePattern(p.Value)}
		case OpDateRange:
			d, prec, err := hl7v2.ParseDate(p.Value)
			if err != nil {
				continue
			}
			from, to := hl7v2.DateRange(d, prec)
			c.Args = []string{from.Format("2006-01-02"), to.Format("2006-01-02")}
		default:
			c.Args = []string{p.Value}
		}
		w.Conditions = append(w.Conditions, c)
	}
	return w
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// LikePattern turns an HL7 match value into a LIKE pattern. A value holding
// the HL7 wildcard '*' is matched as written with '*' standing for '%'; any
// other value matches as a substring. LIKE metacharacters in the value are
// matched literally.
func LikePattern(value string) string {
	escaped := likeEscaper.Replace(value)
	if strings.Contains(value, "*") {
		return strings.ReplaceAll(escaped, "*", "%")
	}
	return "%" + escaped + "%"
}

// SQL renders w as a boolean expression with positional placeholders
// starting at $firstArg. An empty spec renders as "TRUE".
func (w WhereSpec) SQL(firstArg int) (string, []any) {
	if w.Empty() {
		return "TRUE", nil
	}
	n := firstArg
	next := func() string {
		s := fmt.Sprintf("$%d", n)
		n++
		return s
	}
	var (
		parts []string
		args  []any
	)
	for _, c := range w.Conditions {
		switch c.Op {
		case OpLike:
			parts = append(parts, c.Column+" ILIKE "+next())
		case OpDateRange:
			parts = append(parts, fmt.Sprintf("(%s >= %s::date AND %s < %s::date)", c.Column, next(), c.Column, next()))
		default:
			parts = append(parts, c.Column+" = "+next())
		}
		for _, a := range c.Args {
			args = append(args, a)
		}
	}
	return strings.Join(parts, " AND "), args
}
