package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiters holds the separator characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the conventional |^~\& separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Escape replaces delimiter characters in s with HL7 escape sequences.
func Escape(s string, d Delimiters) string {
	if !strings.ContainsAny(s, string([]byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent})) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		var code byte
		switch c {
		case d.Escape:
			code = 'E'
		case d.Field:
			code = 'F'
		case d.Component:
			code = 'S'
		case d.Repetition:
			code = 'R'
		case d.Subcomponent:
			code = 'T'
		default:
			b.WriteByte(c)
			continue
		}
		b.WriteByte(d.Escape)
		b.WriteByte(code)
		b.WriteByte(d.Escape)
	}
	return b.String()
}

// Unescape decodes HL7 escape sequences. Unknown sequences are kept as-is.
func Unescape(s string, d Delimiters) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != d.Escape {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch seq {
		case "E":
			b.WriteByte(d.Escape)
		case "F":
			b.WriteByte(d.Field)
		case "S":
			b.WriteByte(d.Component)
		case "R":
			b.WriteByte(d.Repetition)
		case "T":
			b.WriteByte(d.Subcomponent)
		default:
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// FieldPath addresses a value inside a segment using 1-based positions.
// Zero Component or Subcomponent means "the whole enclosing value".
type FieldPath struct {
	Field        int
	Component    int
	Subcomponent int
}

// String renders the path in dotted form, e.g. "5.1.1".
func (p FieldPath) String() string {
	s := strconv.Itoa(p.Field)
	if p.Component > 0 {
		s += "." + strconv.Itoa(p.Component)
		if p.Subcomponent > 0 {
			s += "." + strconv.Itoa(p.Subcomponent)
		}
	}
	return s
}

// ParseLocation parses a dotted location such as "PID.5.1.1" into the segment
// name and field path.
func ParseLocation(loc string) (string, FieldPath, error) {
	parts := strings.Split(loc, ".")
	if len(parts) < 2 || len(parts) > 4 || len(parts[0]) != 3 || !validSegmentName(parts[0]) {
		return "", FieldPath{}, fmt.Errorf("hl7v2: invalid location %q", loc)
	}
	var pos [3]int
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return "", FieldPath{}, fmt.Errorf("hl7v2: invalid location %q", loc)
		}
		pos[i] = n
	}
	return parts[0], FieldPath{Field: pos[0], Component: pos[1], Subcomponent: pos[2]}, nil
}
