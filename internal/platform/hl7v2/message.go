package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyMessage is returned when the input contains no segments.
	ErrEmptyMessage = errors.New("hl7v2: message is empty")

	// ErrNoMSH is returned when the first segment is not a message header.
	ErrNoMSH = errors.New("hl7v2: first segment must be MSH")
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "QBP^Q22^QBP_Q21")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delims       Delimiters
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "QPD", "PID"
	Fields []Field
	Raw    string // the segment line as received

	delims Delimiters
}

// Field represents a field which can have components and repetitions.
// Values are kept in their escaped wire form; use Segment.Text for decoded text.
type Field struct {
	Value      string
	Components []string   // components of the first repetition
	Repeats    [][]string // each repetition split into components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation and
// honours the delimiters declared in MSH-1 and MSH-2.
func Parse(raw []byte) (*Message, error) {
	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, ErrEmptyMessage
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("%w, got %q", ErrNoMSH, lines[0][:min(3, len(lines[0]))])
	}

	delims, err := delimitersFromMSH(lines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delims: delims}
	for i, line := range lines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: segment %d: %w", i+1, err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

// ParseWithProfile parses raw and checks the result against profile.
func ParseWithProfile(raw []byte, profile *Profile) (*Message, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseHeader parses only the MSH segment of raw. It is used to salvage
// routing and acknowledgment details from messages that fail full parsing.
func ParseHeader(raw []byte) (*Message, error) {
	text := strings.TrimLeft(string(raw), "\r\n\t ")
	if end := strings.IndexAny(text, "\r\n"); end >= 0 {
		text = text[:end]
	}
	return Parse([]byte(text))
}

// DetectMessageType returns the MSH-9 signature of raw without parsing the
// remaining segments. The signature is components 1 to 3 of MSH-9 joined
// with '^', whatever component separator the message declares.
func DetectMessageType(raw []byte) (string, error) {
	text := strings.TrimLeft(string(raw), "\r\n\t ")
	if text == "" {
		return "", ErrEmptyMessage
	}
	if !strings.HasPrefix(text, "MSH") {
		return "", ErrNoMSH
	}
	if end := strings.IndexAny(text, "\r\n"); end >= 0 {
		text = text[:end]
	}
	delims, err := delimitersFromMSH(text)
	if err != nil {
		return "", err
	}
	// MSH|enc|3|4|5|6|7|8|9 -> index 8 after splitting on the field separator.
	parts := strings.Split(text, string(delims.Field))
	if len(parts) < 9 || parts[8] == "" {
		return "", fmt.Errorf("hl7v2: MSH-9 message type is missing")
	}
	comps := strings.Split(parts[8], string(delims.Component))
	if len(comps) > 3 {
		comps = comps[:3]
	}
	return strings.Join(comps, "^"), nil
}

func delimitersFromMSH(line string) (Delimiters, error) {
	if len(line) < 8 {
		return Delimiters{}, fmt.Errorf("hl7v2: MSH segment too short: %q", line)
	}
	d := Delimiters{Field: line[3]}
	enc := line[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 3 {
		return Delimiters{}, fmt.Errorf("hl7v2: MSH-2 encoding characters %q are incomplete", enc)
	}
	d.Component = enc[0]
	d.Repetition = enc[1]
	d.Escape = enc[2]
	d.Subcomponent = DefaultDelimiters.Subcomponent
	if len(enc) > 3 {
		d.Subcomponent = enc[3]
	}
	return d, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 || !validSegmentName(line[:3]) {
		return Segment{}, fmt.Errorf("invalid segment name in %q", line)
	}
	if len(line) > 3 && line[3] != d.Field {
		return Segment{}, fmt.Errorf("segment %s is not followed by the field separator", line[:3])
	}

	seg := Segment{Name: line[:3], Raw: line, delims: d}
	if len(line) <= 4 {
		return seg, nil
	}

	parts := strings.Split(line[4:], string(d.Field))
	if seg.Name == "MSH" {
		// Fields[0] = MSH-1 (the separator), Fields[1] = MSH-2 (encoding characters).
		sep := string(d.Field)
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}, Repeats: [][]string{{sep}}})
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}, Repeats: [][]string{{parts[0]}}})
		parts = parts[1:]
	}
	for _, p := range parts {
		seg.Fields = append(seg.Fields, parseField(p, d))
	}
	return seg, nil
}

func validSegmentName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return name[0] >= 'A' && name[0] <= 'Z'
}

// parseField parses a single field, handling components and repetitions.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(d.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() {
	msh := &m.Segments[0]

	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)

	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetComponent(12, 1)
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// MessageCode returns the MSH-9.1 message code (e.g. "QBP").
func (m *Message) MessageCode() string {
	return m.Segments[0].GetComponent(9, 1)
}

// TriggerEvent returns the MSH-9.2 trigger event (e.g. "Q22").
func (m *Message) TriggerEvent() string {
	return m.Segments[0].GetComponent(9, 2)
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// field returns the 1-based field. MSH-1 is Fields[0] (the field separator).
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a raw component value by 1-based field and component
// indices, taken from the first repetition.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Components) {
		return ""
	}
	return f.Components[ci]
}

// Repetitions returns the number of repetitions carried by a field. An empty
// field has zero repetitions.
func (s *Segment) Repetitions(fieldIdx int) int {
	f := s.field(fieldIdx)
	if f == nil || f.Value == "" {
		return 0
	}
	return len(f.Repeats)
}

// Text returns the decoded value at path within the given 1-based repetition.
// A zero Component or Subcomponent selects the whole field or component.
func (s *Segment) Text(path FieldPath, rep int) string {
	f := s.field(path.Field)
	if f == nil || rep < 1 || rep > len(f.Repeats) {
		return ""
	}
	comps := f.Repeats[rep-1]
	if path.Component == 0 {
		if s.Name == "MSH" && path.Field <= 2 {
			return f.Value
		}
		return Unescape(strings.Join(comps, string(s.delims.Component)), s.delims)
	}
	if path.Component > len(comps) {
		return ""
	}
	comp := comps[path.Component-1]
	if path.Subcomponent == 0 {
		return Unescape(comp, s.delims)
	}
	subs := strings.Split(comp, string(s.delims.Subcomponent))
	if path.Subcomponent > len(subs) {
		return ""
	}
	return Unescape(subs[path.Subcomponent-1], s.delims)
}
