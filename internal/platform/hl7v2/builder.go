package hl7v2

import "strings"

// Builder assembles an HL7v2 message segment by segment. Values are given in
// plain text and escaped when the message is serialized.
type Builder struct {
	delims   Delimiters
	segments []*SegmentBuilder
}

// NewBuilder returns a Builder using the default delimiters.
func NewBuilder() *Builder {
	return &Builder{delims: DefaultDelimiters}
}

// Segment appends a new segment and returns it for population.
func (b *Builder) Segment(name string) *SegmentBuilder {
	sb := &SegmentBuilder{name: name}
	b.segments = append(b.segments, sb)
	return sb
}

// RawSegment appends a segment line verbatim, without re-escaping.
func (b *Builder) RawSegment(line string) {
	b.segments = append(b.segments, &SegmentBuilder{name: line[:min(3, len(line))], raw: line, verbatim: true})
}

// Bytes serializes the message with \r segment terminators.
func (b *Builder) Bytes() []byte {
	lines := make([]string, len(b.segments))
	for i, sb := range b.segments {
		lines[i] = sb.serialize(b.delims)
	}
	return []byte(strings.Join(lines, "\r") + "\r")
}

// MLLP returns the serialized message wrapped in MLLP framing.
func (b *Builder) MLLP() []byte {
	return FrameMessage(b.Bytes())
}

// Message serializes and re-parses the builder output.
func (b *Builder) Message() (*Message, error) {
	return Parse(b.Bytes())
}

// SegmentBuilder holds field values for one segment.
type SegmentBuilder struct {
	name     string
	fields   []fieldValue
	raw      string
	verbatim bool
}

// fieldValue is a single field as repetitions of components of subcomponents.
type fieldValue struct {
	raw  string
	set  bool
	reps [][][]string
}

// SetField sets the whole field to v.
func (s *SegmentBuilder) SetField(pos int, v string) *SegmentBuilder {
	return s.Set(FieldPath{Field: pos}, v)
}

// SetComponent sets one component of the first repetition.
func (s *SegmentBuilder) SetComponent(pos, comp int, v string) *SegmentBuilder {
	return s.Set(FieldPath{Field: pos, Component: comp}, v)
}

// SetSubcomponent sets one subcomponent of the first repetition.
func (s *SegmentBuilder) SetSubcomponent(pos, comp, sub int, v string) *SegmentBuilder {
	return s.Set(FieldPath{Field: pos, Component: comp, Subcomponent: sub}, v)
}

// SetRaw stores an already-encoded value for the field.
func (s *SegmentBuilder) SetRaw(pos int, raw string) *SegmentBuilder {
	f := s.fieldAt(pos)
	f.raw = raw
	f.set = true
	f.reps = nil
	return s
}

// Set writes v at path within the first repetition.
func (s *SegmentBuilder) Set(path FieldPath, v string) *SegmentBuilder {
	return s.SetRepetition(path, 1, v)
}

// SetRepetition writes v at path within the given 1-based repetition.
func (s *SegmentBuilder) SetRepetition(path FieldPath, rep int, v string) *SegmentBuilder {
	f := s.fieldAt(path.Field)
	if f.set {
		f.set = false
		f.raw = ""
	}
	for len(f.reps) < rep {
		f.reps = append(f.reps, nil)
	}
	comps := f.reps[rep-1]
	ci := max(path.Component, 1)
	for len(comps) < ci {
		comps = append(comps, nil)
	}
	si := max(path.Subcomponent, 1)
	subs := comps[ci-1]
	for len(subs) < si {
		subs = append(subs, "")
	}
	subs[si-1] = v
	comps[ci-1] = subs
	f.reps[rep-1] = comps
	return s
}

func (s *SegmentBuilder) fieldAt(pos int) *fieldValue {
	for len(s.fields) < pos {
		s.fields = append(s.fields, fieldValue{})
	}
	return &s.fields[pos-1]
}

func (s *SegmentBuilder) serialize(d Delimiters) string {
	if s.verbatim {
		return s.raw
	}

	start := 0
	var b strings.Builder
	b.WriteString(s.name)
	if s.name == "MSH" {
		// MSH-1 and MSH-2 are implied by the delimiters.
		b.WriteByte(d.Field)
		b.WriteString(d.EncodingCharacters())
		start = 2
	}

	encoded := make([]string, 0, len(s.fields))
	for i := start; i < len(s.fields); i++ {
		encoded = append(encoded, s.fields[i].encode(d))
	}
	for len(encoded) > 0 && encoded[len(encoded)-1] == "" {
		encoded = encoded[:len(encoded)-1]
	}
	for _, v := range encoded {
		b.WriteByte(d.Field)
		b.WriteString(v)
	}
	return b.String()
}

func (f fieldValue) encode(d Delimiters) string {
	if f.set {
		return f.raw
	}
	reps := make([]string, len(f.reps))
	for i, comps := range f.reps {
		cs := make([]string, len(comps))
		for j, subs := range comps {
			ss := make([]string, len(subs))
			for k, v := range subs {
				ss[k] = Escape(v, d)
			}
			cs[j] = joinTrimmed(ss, d.Subcomponent)
		}
		reps[i] = joinTrimmed(cs, d.Component)
	}
	return joinTrimmed(reps, d.Repetition)
}

// joinTrimmed joins parts with sep after dropping trailing empty values.
func joinTrimmed(parts []string, sep byte) string {
	n := len(parts)
	for n > 0 && parts[n-1] == "" {
		n--
	}
	return strings.Join(parts[:n], string(sep))
}
