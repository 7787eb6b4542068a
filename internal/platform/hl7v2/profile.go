package hl7v2

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var embeddedProfiles embed.FS

// Profile is a declarative description of one message structure: the
// ordered segments and groups it may contain and the rules for their fields.
type Profile struct {
	Name        string    `yaml:"name"`
	MessageType string    `yaml:"message_type"`
	Structure   string    `yaml:"structure"`
	Elements    []Element `yaml:"elements"`
}

// Element is either a segment (Segment set) or a group (Group set).
// A negative Max means unbounded.
type Element struct {
	Segment  string      `yaml:"segment,omitempty"`
	Group    string      `yaml:"group,omitempty"`
	Min      int         `yaml:"min"`
	Max      int         `yaml:"max"`
	Fields   []FieldRule `yaml:"fields,omitempty"`
	Elements []Element   `yaml:"elements,omitempty"`
}

// FieldRule constrains one field of a segment.
type FieldRule struct {
	Position   int    `yaml:"position"`
	Name       string `yaml:"name,omitempty"`
	Required   bool   `yaml:"required,omitempty"`
	MaxRepeats int    `yaml:"max_repeats,omitempty"`
	MaxLength  int    `yaml:"max_length,omitempty"`
	Datatype   string `yaml:"datatype,omitempty"`
	Fixed      string `yaml:"fixed,omitempty"`
}

// ProfileNotFoundError is returned when no profile matches a key or message type.
type ProfileNotFoundError struct {
	Key string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("hl7v2: no message profile for %q", e.Key)
}

// ProfileViolation describes the first place a message departs from its profile.
type ProfileViolation struct {
	Profile  string
	Segment  string
	Sequence int // 1-based position of the segment in the message
	Field    int
	Code     string
	Reason   string
}

func (e *ProfileViolation) Error() string {
	loc := e.Segment
	if e.Field > 0 {
		loc += "-" + strconv.Itoa(e.Field)
	}
	if loc == "" {
		return fmt.Sprintf("hl7v2: profile %s: %s", e.Profile, e.Reason)
	}
	return fmt.Sprintf("hl7v2: profile %s: %s: %s", e.Profile, loc, e.Reason)
}

// ProfileSet indexes profiles by name.
type ProfileSet struct {
	byName map[string]*Profile
}

// DefaultProfiles returns the profiles compiled into the binary.
func DefaultProfiles() (*ProfileSet, error) {
	sub, err := fs.Sub(embeddedProfiles, "profiles")
	if err != nil {
		return nil, err
	}
	return LoadProfiles(sub)
}

// LoadProfilesDir loads profiles from a directory on disk.
func LoadProfilesDir(dir string) (*ProfileSet, error) {
	return LoadProfiles(os.DirFS(dir))
}

// LoadProfiles reads every *.yaml document at the root of fsys.
func LoadProfiles(fsys fs.FS) (*ProfileSet, error) {
	names, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, err
	}
	set := &ProfileSet{byName: make(map[string]*Profile, len(names))}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: read profile %s: %w", name, err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("hl7v2: decode profile %s: %w", name, err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(path.Base(name), ".yaml")
		}
		if err := p.check(); err != nil {
			return nil, fmt.Errorf("hl7v2: profile %s: %w", name, err)
		}
		set.byName[p.Name] = &p
	}
	return set, nil
}

// Lookup returns the profile registered under key.
func (s *ProfileSet) Lookup(key string) (*Profile, error) {
	if p, ok := s.byName[key]; ok {
		return p, nil
	}
	return nil, &ProfileNotFoundError{Key: key}
}

// ForMessageType returns the profile declared for an MSH-9 signature.
func (s *ProfileSet) ForMessageType(sig string) (*Profile, error) {
	for _, p := range s.byName {
		if p.MessageType == sig {
			return p, nil
		}
	}
	return nil, &ProfileNotFoundError{Key: sig}
}

// Names lists the loaded profile names.
func (s *ProfileSet) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	return names
}

func (p *Profile) check() error {
	if len(p.Elements) == 0 || p.Elements[0].Segment != "MSH" {
		return fmt.Errorf("first element must be the MSH segment")
	}
	return checkElements(p.Elements)
}

func checkElements(elems []Element) error {
	for _, e := range elems {
		switch {
		case e.Segment != "" && e.Group != "":
			return fmt.Errorf("element declares both segment %s and group %s", e.Segment, e.Group)
		case e.Group != "":
			if len(e.Elements) == 0 || e.Elements[0].Segment == "" {
				return fmt.Errorf("group %s must start with a segment", e.Group)
			}
			if err := checkElements(e.Elements); err != nil {
				return err
			}
		case e.Segment == "":
			return fmt.Errorf("element without segment or group")
		}
		if e.Max == 0 {
			return fmt.Errorf("%s%s: max must be positive or -1 for unbounded", e.Segment, e.Group)
		}
		if e.Max > 0 && e.Max < e.Min {
			return fmt.Errorf("%s%s: max %d below min %d", e.Segment, e.Group, e.Max, e.Min)
		}
	}
	return nil
}

// CheckStructure verifies segment order, cardinality and group nesting.
func (p *Profile) CheckStructure(msg *Message) error {
	return p.walk(msg, false)
}

// Validate verifies structure and field rules.
func (p *Profile) Validate(msg *Message) error {
	return p.walk(msg, true)
}

func (p *Profile) walk(msg *Message, fields bool) error {
	m := &matcher{profile: p, segs: msg.Segments, fields: fields}
	if err := m.match(p.Elements); err != nil {
		return err
	}
	if m.pos < len(m.segs) {
		return m.violation(m.pos, 0, CodeSegmentSequenceError,
			fmt.Sprintf("unexpected segment %s", m.segs[m.pos].Name))
	}
	return nil
}

// matcher walks the segment list greedily against the element tree.
type matcher struct {
	profile *Profile
	segs    []Segment
	pos     int
	fields  bool
}

func (m *matcher) match(elems []Element) error {
	for _, e := range elems {
		count := 0
		for m.pos < len(m.segs) && (e.Max < 0 || count < e.Max) {
			if e.Group != "" {
				if m.segs[m.pos].Name != e.Elements[0].Segment {
					break
				}
				if err := m.match(e.Elements); err != nil {
					return err
				}
			} else {
				if m.segs[m.pos].Name != e.Segment {
					break
				}
				if m.fields {
					if err := m.checkFields(e.Fields); err != nil {
						return err
					}
				}
				m.pos++
			}
			count++
		}
		if count < e.Min {
			name := e.Segment
			if name == "" {
				name = e.Elements[0].Segment
			}
			reason := fmt.Sprintf("%s occurs %d times, at least %d required", name, count, e.Min)
			if e.Group != "" {
				reason = fmt.Sprintf("group %s occurs %d times, at least %d required", e.Group, count, e.Min)
			}
			return &ProfileViolation{Profile: m.profile.Name, Segment: name, Code: CodeSegmentSequenceError, Reason: reason}
		}
	}
	return nil
}

func (m *matcher) checkFields(rules []FieldRule) error {
	seg := &m.segs[m.pos]
	for _, r := range rules {
		value := seg.GetField(r.Position)
		if value == "" {
			if r.Required {
				return m.violation(m.pos, r.Position, CodeRequiredFieldMissing, "required field is empty")
			}
			continue
		}
		if r.Fixed != "" && value != r.Fixed {
			return m.violation(m.pos, r.Position, CodeTableValueNotFound,
				fmt.Sprintf("value %q, expected %q", value, r.Fixed))
		}
		reps := seg.Repetitions(r.Position)
		if seg.Name == "MSH" && r.Position <= 2 {
			reps = 1
		}
		if r.MaxRepeats > 0 && reps > r.MaxRepeats {
			return m.violation(m.pos, r.Position, CodeSegmentSequenceError,
				fmt.Sprintf("%d repetitions, at most %d allowed", reps, r.MaxRepeats))
		}
		for rep := 1; rep <= reps; rep++ {
			text := seg.Text(FieldPath{Field: r.Position}, rep)
			if r.MaxLength > 0 && len(text) > r.MaxLength {
				return m.violation(m.pos, r.Position, CodeDataTypeError,
					fmt.Sprintf("length %d exceeds %d", len(text), r.MaxLength))
			}
			if !validDatatype(r.Datatype, seg.Text(FieldPath{Field: r.Position, Component: 1}, rep)) {
				return m.violation(m.pos, r.Position, CodeDataTypeError,
					fmt.Sprintf("value is not a valid %s", r.Datatype))
			}
		}
	}
	return nil
}

func (m *matcher) violation(pos, field int, code, reason string) *ProfileViolation {
	return &ProfileViolation{
		Profile:  m.profile.Name,
		Segment:  m.segs[pos].Name,
		Sequence: pos + 1,
		Field:    field,
		Code:     code,
		Reason:   reason,
	}
}

// validDatatype checks the leading component of a value against a primitive type.
func validDatatype(dt, v string) bool {
	if v == "" {
		return true
	}
	switch dt {
	case "DT":
		return ValidDate(v)
	case "TS", "DTM":
		if len(v) < 4 {
			return false
		}
		if i := strings.IndexAny(v, "+-"); i >= 0 {
			if !allDigits(v[i+1:]) || len(v)-i-1 != 4 {
				return false
			}
			v = v[:i]
		}
		return len(v) >= 4 && allDigits(strings.Replace(v, ".", "", 1))
	case "NM":
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	case "SI":
		n, err := strconv.Atoi(v)
		return err == nil && n >= 0
	default:
		return true
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
