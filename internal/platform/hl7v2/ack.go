package hl7v2

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Acknowledgment codes (HL7 table 0008).
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// Error condition codes (HL7 table 0357).
const (
	CodeSegmentSequenceError     = "100"
	CodeRequiredFieldMissing     = "101"
	CodeDataTypeError            = "102"
	CodeTableValueNotFound       = "103"
	CodeUnsupportedMessageType   = "200"
	CodeUnsupportedEventCode     = "201"
	CodeUnsupportedProcessingID  = "202"
	CodeUnsupportedVersionID     = "203"
	CodeUnknownKeyIdentifier     = "204"
	CodeApplicationInternalError = "207"
)

// Error severities (HL7 table 0516).
const (
	SeverityError       = "E"
	SeverityWarning     = "W"
	SeverityInformation = "I"
)

const (
	// DefaultVersion is the HL7 version emitted in MSH-12.
	DefaultVersion = "2.5"

	// DefaultProcessingID is the processing id emitted in MSH-11.
	DefaultProcessingID = "P"
)

// Header carries the MSH values of an outgoing message.
type Header struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Timestamp    time.Time
	MessageType  string // code^trigger^structure
	ControlID    string
	ProcessingID string
	Version      string
	Country      string
	CharacterSet string
	Language     string
}

// WriteMSH appends an MSH segment populated from h. Zero values for the
// timestamp, control id, processing id and version are filled in.
func WriteMSH(b *Builder, h Header) *SegmentBuilder {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	if h.ControlID == "" {
		h.ControlID = uuid.NewString()
	}
	if h.ProcessingID == "" {
		h.ProcessingID = DefaultProcessingID
	}
	if h.Version == "" {
		h.Version = DefaultVersion
	}

	msh := b.Segment("MSH").
		SetField(3, h.SendingApp).
		SetField(4, h.SendingFac).
		SetField(5, h.ReceivingApp).
		SetField(6, h.ReceivingFac).
		SetField(7, FormatTimestamp(h.Timestamp)).
		SetField(10, h.ControlID).
		SetField(11, h.ProcessingID).
		SetField(12, h.Version).
		SetField(17, h.Country).
		SetField(18, h.CharacterSet).
		SetComponent(19, 1, h.Language)
	for i, part := range strings.Split(h.MessageType, "^") {
		msh.SetComponent(9, i+1, part)
	}
	return msh
}

// ErrorLocation points at the segment, field and repetition an error refers to.
// Zero values are omitted from ERR-2.
type ErrorLocation struct {
	Segment    string
	Sequence   int
	Field      int
	Repetition int
	Component  int
}

// ErrorDetail is the content of one ERR segment.
type ErrorDetail struct {
	Code     string
	Text     string
	Severity string
	Location ErrorLocation
}

// WriteERR appends an ERR segment for d.
func WriteERR(b *Builder, d ErrorDetail) *SegmentBuilder {
	err := b.Segment("ERR")
	if d.Location.Segment != "" {
		err.SetComponent(2, 1, d.Location.Segment)
		setPositive(err, 2, 2, d.Location.Sequence)
		setPositive(err, 2, 3, d.Location.Field)
		setPositive(err, 2, 4, d.Location.Repetition)
		setPositive(err, 2, 5, d.Location.Component)
	}
	err.SetComponent(3, 1, d.Code)
	err.SetComponent(3, 2, d.Text)
	err.SetComponent(3, 3, "HL70357")
	severity := d.Severity
	if severity == "" {
		severity = SeverityError
	}
	err.SetField(4, severity)
	return err
}

func setPositive(s *SegmentBuilder, pos, comp, n int) {
	if n > 0 {
		s.SetComponent(pos, comp, strconv.Itoa(n))
	}
}

// GenerateACK builds a bare ACK for incoming. The sending and receiving
// application/facility are swapped and MSA-2 echoes the incoming control id
// exactly as it appeared on the wire.
// When incoming is nil (the message could not be parsed) the header falls
// back to sender and MSA-2 is left empty.
func GenerateACK(incoming *Message, sender Header, ackCode string, detail *ErrorDetail) *Builder {
	h := sender
	h.MessageType = "ACK^^ACK"
	controlID := ""
	if incoming != nil {
		h.ReceivingApp = incoming.SendingApp
		h.ReceivingFac = incoming.SendingFac
		if h.SendingApp == "" {
			h.SendingApp = incoming.ReceivingApp
		}
		if h.SendingFac == "" {
			h.SendingFac = incoming.ReceivingFac
		}
		h.MessageType = "ACK^" + incoming.TriggerEvent() + "^ACK"
		controlID = incoming.ControlID
		if incoming.Version != "" {
			h.Version = incoming.Version
		}
	}

	b := NewBuilder()
	WriteMSH(b, h)
	b.Segment("MSA").SetField(1, ackCode).SetRaw(2, controlID)
	if detail != nil {
		WriteERR(b, *detail)
	}
	return b
}
