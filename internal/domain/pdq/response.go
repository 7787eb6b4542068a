package pdq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// PID-3 assigning authority and identifier type.
const (
	AssigningAuthorityNamespace = "gnuhealth"
	AssigningAuthorityID        = "1"
	AssigningAuthorityIDType    = "ISO"
	IdentifierTypePatient       = "PI"
	NameTypeLegal               = "L"
)

// QAK-2 query response status (HL7 table 0208).
const (
	QueryOK       = "OK"
	QueryNotFound = "NF"
)

// Request is one inbound query after parsing, together with the
// configuration snapshot it is answered under.
type Request struct {
	Raw          []byte
	Message      *hl7v2.Message
	Variant      Variant
	MessageType  string
	ControlID    string
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	QueryTag     string
	QPD          *hl7v2.Segment
	Params       []QueryParameter
	Config       Configuration
	ReceivedAt   time.Time
}

// NewRequest populates a Request from a parsed message.
func NewRequest(raw []byte, msg *hl7v2.Message, v Variant, cfg Configuration) *Request {
	req := &Request{
		Raw:          raw,
		Message:      msg,
		Variant:      v,
		MessageType:  msg.Type,
		ControlID:    msg.ControlID,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Config:       cfg,
		ReceivedAt:   time.Now(),
	}
	if qpd := msg.GetSegment("QPD"); qpd != nil {
		req.QPD = qpd
		req.QueryTag = qpd.Text(hl7v2.FieldPath{Field: 2}, 1)
		req.Params = ReadParameters(qpd)
	}
	return req
}

// Response is an outbound acknowledgment.
type Response struct {
	Variant     Variant
	AckCode     string
	QueryStatus string
	Hits        int
	ControlID   string
	Err         AckError
	builder     *hl7v2.Builder
}

// Bytes returns the ER7 encoding, segments terminated by CR.
func (r *Response) Bytes() []byte { return r.builder.Bytes() }

// MLLP returns the MLLP framed encoding.
func (r *Response) MLLP() []byte { return r.builder.MLLP() }

// Message parses the response back; used to check it against its profile.
func (r *Response) Message() (*hl7v2.Message, error) { return r.builder.Message() }

func responseHeader(req *Request, controlID string) hl7v2.Header {
	return hl7v2.Header{
		SendingApp:   req.Config.SendingApplication,
		SendingFac:   req.Config.SendingFacility,
		ReceivingApp: req.SendingApp,
		ReceivingFac: req.SendingFac,
		MessageType:  req.Variant.ResponseType(),
		ControlID:    controlID,
		ProcessingID: hl7v2.DefaultProcessingID,
		Version:      hl7v2.DefaultVersion,
		Country:      req.Config.Country,
		CharacterSet: req.Config.CharacterSet,
		Language:     req.Config.Language,
	}
}

// BuildAck builds the query response for results. The variant of req picks
// the header message type and the body groups together.
func BuildAck(req *Request, results []DemographicRecord, ackCode string) (*Response, error) {
	enc, err := hl7v2.NewEncoder(req.Config.CharacterSet)
	if err != nil {
		return nil, err
	}

	status := QueryOK
	if len(results) == 0 {
		status = QueryNotFound
	}
	resp, b := startResponse(req, ackCode, status, len(results), nil)
	for i, rec := range results {
		if err := writeResultGroup(b, req.Variant, enc, i+1, rec); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// BuildErrorAck builds a query response without results carrying one ERR
// segment for e. QAK-2 repeats the acknowledgment code.
func BuildErrorAck(req *Request, e AckError, ackCode string) *Response {
	detail := e.Detail()
	resp, _ := startResponse(req, ackCode, ackCode, 0, &detail)
	resp.Err = e
	return resp
}

// BuildGenericErrorAck builds a bare ACK for messages too broken to answer
// with a query response. incoming may be nil.
func BuildGenericErrorAck(incoming *hl7v2.Message, cfg Configuration, e AckError) *Response {
	controlID := uuid.NewString()
	sender := hl7v2.Header{
		SendingApp:   cfg.SendingApplication,
		SendingFac:   cfg.SendingFacility,
		ControlID:    controlID,
		Country:      cfg.Country,
		CharacterSet: cfg.CharacterSet,
		Language:     cfg.Language,
	}
	detail := e.Detail()
	return &Response{
		AckCode:   hl7v2.AckReject,
		ControlID: controlID,
		Err:       e,
		builder:   hl7v2.GenerateACK(incoming, sender, hl7v2.AckReject, &detail),
	}
}

// startResponse writes MSH, MSA, the optional ERR, QAK and the QPD echo.
func startResponse(req *Request, ackCode, status string, hits int, detail *hl7v2.ErrorDetail) (*Response, *hl7v2.Builder) {
	controlID := uuid.NewString()
	b := hl7v2.NewBuilder()
	hl7v2.WriteMSH(b, responseHeader(req, controlID))
	b.Segment("MSA").SetField(1, ackCode).SetRaw(2, req.ControlID)
	if detail != nil {
		hl7v2.WriteERR(b, *detail)
	}
	b.Segment("QAK").
		SetField(1, req.QueryTag).
		SetField(2, status).
		SetField(4, strconv.Itoa(hits)).
		SetField(5, strconv.Itoa(hits)).
		SetField(6, "0")
	if req.QPD != nil {
		b.RawSegment(reencodeSegment(req.QPD.Raw, req.Message.Delims, hl7v2.DefaultDelimiters))
	}
	return &Response{
		Variant:     req.Variant,
		AckCode:     ackCode,
		QueryStatus: status,
		Hits:        hits,
		ControlID:   controlID,
		builder:     b,
	}, b
}

// writeResultGroup appends the PID (and for PDQV the PV1) of one record.
// Values are taken by position from DemographicFields.
func writeResultGroup(b *hl7v2.Builder, v Variant, enc *hl7v2.Encoder, seq int, rec DemographicRecord) error {
	fields := DemographicFields(v)
	if len(rec) != len(fields) {
		return fmt.Errorf("pdq: record has %d values, want %d", len(rec), len(fields))
	}

	pid := b.Segment("PID").
		SetField(1, strconv.Itoa(seq)).
		SetSubcomponent(3, 4, 1, AssigningAuthorityNamespace).
		SetSubcomponent(3, 4, 2, AssigningAuthorityID).
		SetSubcomponent(3, 4, 3, AssigningAuthorityIDType).
		SetComponent(3, 5, IdentifierTypePatient).
		SetComponent(5, 7, NameTypeLegal)
	if err := setFields(pid, "PID", fields, rec, enc); err != nil {
		return err
	}

	if v != VariantPDQV {
		return nil
	}
	class := "U"
	if rec.Get(v, FieldWardName) != "" {
		class = "I"
	}
	pv1 := b.Segment("PV1").SetField(1, "1").SetField(2, class)
	return setFields(pv1, "PV1", fields, rec, enc)
}

func setFields(s *hl7v2.SegmentBuilder, segment string, fields []DemographicField, rec DemographicRecord, enc *hl7v2.Encoder) error {
	for i, f := range fields {
		if f.Segment != segment || rec[i] == "" {
			continue
		}
		val, err := enc.Encode(rec[i])
		if err != nil {
			return fmt.Errorf("pdq: %s: %w", f.Name, err)
		}
		s.Set(f.Path, val)
	}
	return nil
}

// reencodeSegment rewrites a raw segment from one delimiter set to another.
// Characters that are delimiters only in the target set are escaped.
func reencodeSegment(raw string, from, to hl7v2.Delimiters) string {
	if from == to {
		return raw
	}
	swap := map[byte]byte{
		from.Field:        to.Field,
		from.Component:    to.Component,
		from.Repetition:   to.Repetition,
		from.Escape:       to.Escape,
		from.Subcomponent: to.Subcomponent,
	}
	escapes := map[byte]string{
		to.Field:        "F",
		to.Component:    "S",
		to.Repetition:   "R",
		to.Escape:       "E",
		to.Subcomponent: "T",
	}
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if m, ok := swap[c]; ok {
			sb.WriteByte(m)
			continue
		}
		if code, ok := escapes[c]; ok {
			sb.WriteByte(to.Escape)
			sb.WriteString(code)
			sb.WriteByte(to.Escape)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
