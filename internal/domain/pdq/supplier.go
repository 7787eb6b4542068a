package pdq

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// State is a step of request processing. Errors leave from any state to
// StateErrorResponded.
type State int

const (
	StateReceived State = iota
	StateStructurallyValidated
	StateSemanticallyValidated
	StateApplicationFiltered
	StateQueried
	StateResponded
	StateErrorResponded
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateStructurallyValidated:
		return "structurally_validated"
	case StateSemanticallyValidated:
		return "semantically_validated"
	case StateApplicationFiltered:
		return "application_filtered"
	case StateQueried:
		return "queried"
	case StateResponded:
		return "responded"
	case StateErrorResponded:
		return "error_responded"
	default:
		return "unknown"
	}
}

// fallbackClass is the class given to unexpected errors raised while in s.
func (s State) fallbackClass() ErrorClass {
	switch {
	case s < StateSemanticallyValidated:
		return ClassGeneric
	case s == StateSemanticallyValidated:
		return ClassReject
	default:
		return ClassApplication
	}
}

// Supplier answers PDQ and PDQV queries. It is safe for concurrent use; each
// call works on its own configuration snapshot and directory transaction.
type Supplier struct {
	profiles  *hl7v2.ProfileSet
	configs   ConfigStore
	directory Directory
	logger    zerolog.Logger
}

func NewSupplier(profiles *hl7v2.ProfileSet, configs ConfigStore, directory Directory, logger zerolog.Logger) *Supplier {
	return &Supplier{
		profiles:  profiles,
		configs:   configs,
		directory: directory,
		logger:    logger.With().Str("component", "pdq_supplier").Logger(),
	}
}

// Configuration returns the snapshot the next request would be answered
// under. Load failures fall back to the defaults.
func (s *Supplier) Configuration(ctx context.Context) Configuration {
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load pdq configuration, using defaults")
		return DefaultConfiguration()
	}
	return cfg
}

// exchange carries what is known about one request while it is processed.
type exchange struct {
	state  State
	cfg    Configuration
	header *hl7v2.Message
	req    *Request
	resp   *Response
}

// Respond turns one raw request into its acknowledgment. It never fails:
// every error ends up as a negative acknowledgment.
func (s *Supplier) Respond(ctx context.Context, raw []byte) (resp *Response) {
	start := time.Now()
	x := &exchange{state: StateReceived, cfg: s.Configuration(ctx)}

	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			s.withHeader(s.logger.Error(), x).
				Str("state", x.state.String()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered")

			err := &InternalError{Stage: x.state.fallbackClass(), Err: fmt.Errorf("panic: %v", r)}
			resp = s.fail(x, err)
		}
		s.logResponse(x, resp, time.Since(start))
	}()

	if err := s.process(ctx, raw, x); err != nil {
		return s.fail(x, err)
	}
	return x.resp
}

// ServeHL7 implements hl7v2.Handler.
func (s *Supplier) ServeHL7(ctx context.Context, raw []byte) []byte {
	return s.Respond(ctx, raw).MLLP()
}

func (s *Supplier) process(ctx context.Context, raw []byte, x *exchange) error {
	header, err := hl7v2.ParseHeader(raw)
	if err != nil {
		return &MalformedMessageError{Err: err}
	}
	x.header = header

	if !x.cfg.Enabled {
		return &SupplierDisabledError{}
	}

	sig, err := hl7v2.DetectMessageType(raw)
	if err != nil {
		return &MalformedMessageError{Err: err}
	}
	profile, err := s.profiles.ForMessageType(sig)
	if err != nil {
		return &ProfileNotFoundError{MessageType: sig}
	}
	v := VariantForMessageType(profile.MessageType)
	if !v.Valid() {
		return &ProfileNotFoundError{MessageType: sig}
	}

	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return &MalformedMessageError{Err: err}
	}
	if err := profile.CheckStructure(msg); err != nil {
		return &MalformedMessageError{Err: err}
	}
	s.advance(x, StateStructurallyValidated)

	if err := profile.Validate(msg); err != nil {
		return &MalformedMessageError{Err: err}
	}
	s.advance(x, StateSemanticallyValidated)

	req := NewRequest(raw, msg, v, x.cfg)
	x.req = req
	if !x.cfg.AllowsApplication(req.SendingApp) {
		return &InvalidSendingApplicationError{Application: req.SendingApp}
	}
	s.advance(x, StateApplicationFiltered)

	results, err := s.search(ctx, v, req.Params)
	if err != nil {
		return err
	}
	s.advance(x, StateQueried)

	resp, err := BuildAck(req, results, hl7v2.AckAccept)
	if err != nil {
		return &InternalError{Stage: ClassApplication, Err: err}
	}
	s.checkResponse(resp)
	x.resp = resp
	s.advance(x, StateResponded)
	return nil
}

// Search validates params and runs them against the directory. It fails
// with SupplierDisabledError when the current configuration switches the
// supplier off.
func (s *Supplier) Search(ctx context.Context, v Variant, params []QueryParameter) ([]DemographicRecord, error) {
	if !s.Configuration(ctx).Enabled {
		return nil, &SupplierDisabledError{}
	}
	return s.search(ctx, v, params)
}

func (s *Supplier) search(ctx context.Context, v Variant, params []QueryParameter) ([]DemographicRecord, error) {
	if err := ValidateParameters(params, v); err != nil {
		return nil, err
	}
	where := MapToColumns(ExtractParameters(params, v, s.logger), v)
	results, err := s.directory.Search(ctx, where, v)
	if err != nil {
		return nil, asAckError(err, ClassApplication)
	}
	return results, nil
}

// advance moves x to next.
func (s *Supplier) advance(x *exchange, next State) {
	s.withHeader(s.logger.Debug(), x).
		Str("from", x.state.String()).
		Str("to", next.String()).
		Msg("pdq state transition")
	x.state = next
}

// withHeader adds the request identification known so far to ev.
func (s *Supplier) withHeader(ev *zerolog.Event, x *exchange) *zerolog.Event {
	if x.header != nil {
		ev = ev.Str("message_type", x.header.Type).
			Str("control_id", x.header.ControlID)
	}
	return ev
}

// fail converts err into the acknowledgment shape its class calls for.
func (s *Supplier) fail(x *exchange, err error) *Response {
	ae := asAckError(err, x.state.fallbackClass())
	failedIn := x.state
	s.advance(x, StateErrorResponded)

	ev := s.logger.Warn()
	var internal *InternalError
	if errors.As(ae, &internal) {
		ev = s.logger.Error()
	}
	s.withHeader(ev, x).
		Err(ae).
		Str("class", ae.Class().String()).
		Str("error_code", ae.Detail().Code).
		Str("state", failedIn.String()).
		Msg("pdq request failed")

	if ae.Class() == ClassGeneric || x.req == nil {
		return BuildGenericErrorAck(x.header, x.cfg, ae)
	}
	return BuildErrorAck(x.req, ae, ae.Class().AckCode())
}

// checkResponse validates an outgoing response against its profile. A
// violation is logged; the response is still sent.
func (s *Supplier) checkResponse(resp *Response) {
	profile, err := s.profiles.Lookup(resp.Variant.ResponseProfile())
	if err != nil {
		return
	}
	msg, err := resp.Message()
	if err == nil {
		err = profile.Validate(msg)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("profile", profile.Name).Msg("response does not conform to profile")
	}
}

func (s *Supplier) logResponse(x *exchange, resp *Response, elapsed time.Duration) {
	ev := s.logger.Info().
		Str("state", x.state.String()).
		Dur("elapsed", elapsed)
	if x.header != nil {
		ev = s.withHeader(ev, x).Str("sending_app", x.header.SendingApp)
	}
	if resp != nil {
		ev = ev.Str("ack", resp.AckCode).Int("hits", resp.Hits)
		if x.req != nil {
			ev = ev.Str("variant", x.req.Variant.String())
		}
	}
	ev.Msg("pdq request handled")
}
