package hl7v2

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry records one request/response exchange.
type LogEntry struct {
	MessageType string
	ControlID   string
	Handler     string
	Request     []byte
	Response    []byte
	ReceivedAt  time.Time
}

// MessageLog persists exchanges handled by a Router.
type MessageLog interface {
	Record(ctx context.Context, entry LogEntry) error
}

type route struct {
	name    string
	handler Handler
}

// Router dispatches inbound messages to handlers by their MSH-9 signature.
// Messages without a registered handler are rejected with a bare ACK.
type Router struct {
	routes map[string]route
	sender Header
	log    MessageLog
	logger zerolog.Logger
}

// NewRouter creates a Router. sender supplies the MSH values used when the
// router answers on its own behalf.
func NewRouter(sender Header, logger zerolog.Logger) *Router {
	return &Router{
		routes: make(map[string]route),
		sender: sender,
		logger: logger.With().Str("component", "hl7_router").Logger(),
	}
}

// Handle registers h for the given message type signature.
func (r *Router) Handle(messageType, name string, h Handler) {
	r.routes[messageType] = route{name: name, handler: h}
}

// SetMessageLog enables persistence of every exchange.
func (r *Router) SetMessageLog(log MessageLog) {
	r.log = log
}

// ServeHL7 implements Handler.
func (r *Router) ServeHL7(ctx context.Context, raw []byte) []byte {
	received := time.Now()

	sig, err := DetectMessageType(raw)
	var rt route
	switch {
	case err != nil:
		r.logger.Warn().Err(err).Msg("cannot determine message type")
		rt = route{name: "invalid message", handler: HandlerFunc(r.invalidMessage)}
	default:
		var ok bool
		if rt, ok = r.routes[sig]; !ok {
			r.logger.Warn().Str("message_type", sig).Msg("unsupported message type")
			rt = route{name: "unsupported message", handler: HandlerFunc(r.unsupportedMessage)}
		}
	}

	resp := rt.handler.ServeHL7(ctx, raw)

	if r.log != nil {
		entry := LogEntry{
			MessageType: sig,
			Handler:     rt.name,
			Request:     raw,
			Response:    resp,
			ReceivedAt:  received,
		}
		if hdr, err := ParseHeader(raw); err == nil {
			entry.ControlID = hdr.ControlID
		}
		if err := r.log.Record(ctx, entry); err != nil {
			r.logger.Error().Err(err).Str("handler", rt.name).Msg("failed to record message")
		}
	}
	return resp
}

func (r *Router) unsupportedMessage(_ context.Context, raw []byte) []byte {
	hdr, _ := ParseHeader(raw)
	detail := &ErrorDetail{
		Code:     CodeUnsupportedMessageType,
		Text:     "Unsupported message type",
		Severity: SeverityError,
		Location: ErrorLocation{Segment: "MSH", Sequence: 1, Field: 9},
	}
	return GenerateACK(hdr, r.sender, AckReject, detail).MLLP()
}

func (r *Router) invalidMessage(_ context.Context, raw []byte) []byte {
	hdr, _ := ParseHeader(raw)
	detail := &ErrorDetail{
		Code:     CodeDataTypeError,
		Text:     "Invalid HL7 message",
		Severity: SeverityError,
	}
	return GenerateACK(hdr, r.sender, AckReject, detail).MLLP()
}
