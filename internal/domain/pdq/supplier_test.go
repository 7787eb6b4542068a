package pdq

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

func TestSupplier_EndToEndSmithFemale(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQ, "CTRL-1", "PIX_MGR", CodeFamilyName, "SMITH", CodeSex, "f")

	resp := s.Respond(context.Background(), raw)
	if resp.AckCode != hl7v2.AckAccept {
		t.Fatalf("expected AA, got %s (%v)", resp.AckCode, resp.Err)
	}
	msg := parseResponse(t, resp)

	if msg.Type != PDQResponseType {
		t.Errorf("expected message type %s, got %s", PDQResponseType, msg.Type)
	}
	pids := msg.GetSegments("PID")
	if len(pids) != 1 {
		t.Fatalf("expected exactly 1 PID, got %d", len(pids))
	}
	if got := pids[0].GetComponent(5, 1); got != "SMITH" {
		t.Errorf("expected PID-5.1 'SMITH', got %q", got)
	}
	if got := pids[0].GetField(8); got != "f" {
		t.Errorf("expected PID-8 'f', got %q", got)
	}
	if got := pids[0].GetComponent(3, 1); got != "GH001" {
		t.Errorf("expected PID-3.1 'GH001', got %q", got)
	}
	if got := pids[0].GetField(7); got != "19851212" {
		t.Errorf("expected PID-7 '19851212', got %q", got)
	}
	if got := pids[0].GetComponent(16, 1); got != "s" {
		t.Errorf("expected PID-16 marital status 's', got %q", got)
	}
	if msg.GetSegment("PV1") != nil {
		t.Error("PDQ response must not carry PV1")
	}
}

func TestSupplier_ResultCountsAndOrder(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQ, "CTRL-2", "APP", CodeFamilyName, "SMITH")

	msg := parseResponse(t, s.Respond(context.Background(), raw))
	pids := msg.GetSegments("PID")
	if len(pids) != 2 {
		t.Fatalf("expected 2 PIDs, got %d", len(pids))
	}
	for i, want := range []string{"GH001", "GH002"} {
		if got := pids[i].GetComponent(3, 1); got != want {
			t.Errorf("PID %d: expected %s, got %s", i+1, want, got)
		}
		if got := pids[i].GetField(1); got != string(rune('1'+i)) {
			t.Errorf("PID %d: expected set id %d, got %s", i+1, i+1, got)
		}
	}

	qak := msg.GetSegment("QAK")
	if qak.GetField(1) != "TAG-CTRL-2" {
		t.Errorf("expected QAK-1 query tag, got %q", qak.GetField(1))
	}
	if qak.GetField(2) != QueryOK {
		t.Errorf("expected QAK-2 OK, got %q", qak.GetField(2))
	}
	if qak.GetField(4) != "2" || qak.GetField(5) != "2" || qak.GetField(6) != "0" {
		t.Errorf("unexpected QAK counts %q", qak.Raw)
	}
}

func TestSupplier_NotFoundIsPositive(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQ, "CTRL-3", "APP", CodeFamilyName, "NOBODY")

	resp := s.Respond(context.Background(), raw)
	if resp.AckCode != hl7v2.AckAccept {
		t.Fatalf("expected AA, got %s", resp.AckCode)
	}
	msg := parseResponse(t, resp)
	if got := msg.GetSegment("QAK").GetField(2); got != QueryNotFound {
		t.Errorf("expected QAK-2 NF, got %q", got)
	}
	if n := len(msg.GetSegments("PID")); n != 0 {
		t.Errorf("expected no PID, got %d", n)
	}
	if msg.GetSegment("ERR") != nil {
		t.Error("not found must not produce ERR")
	}
}

func TestSupplier_ControlIDRoundTrip(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	cfgFiltered := enabledConfig()
	cfgFiltered.FilterByAllowedApp = true
	filtered := newTestSupplier(t, sampleDirectory(), cfgFiltered)

	tests := []struct {
		name string
		s    *Supplier
		raw  []byte
	}{
		{"success", s, queryMessage(t, hl7v2.QueryPDQ, "RT-1", "APP", CodeSex, "f")},
		{"bad code", s, queryMessage(t, hl7v2.QueryPDQ, "RT-2", "APP", "@PID.99", "x")},
		{"bad date", s, queryMessage(t, hl7v2.QueryPDQ, "RT-3", "APP", CodeBirthDate, "1985-12-12")},
		{"not allowed", filtered, queryMessage(t, hl7v2.QueryPDQ, "RT-4", "APP", CodeSex, "f")},
		{"malformed", s, []byte("MSH|^~\\&|APP|FAC|GH|GH|20240115||QBP^Q22^QBP_Q21|RT-5|P|2.5\rQPD|IHE PDQ Query|T|@PID.8^f")},
		{"unknown type", s, []byte("MSH|^~\\&|APP|FAC|GH|GH|20240115||ADT^A01^ADT_A01|RT-6|P|2.5\rPID|1")},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := parseResponse(t, tt.s.Respond(context.Background(), tt.raw))
			want := "RT-" + string(rune('1'+i))
			if got := msg.GetSegment("MSA").GetField(2); got != want {
				t.Errorf("expected MSA-2 %q, got %q", want, got)
			}
		})
	}
}

func TestSupplier_ControlIDEchoedVerbatim(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())

	tests := []struct {
		name      string
		controlID string
		msgType   string
		wantAck   string
	}{
		{"escape sequence", `A\T\B`, "QBP^Q22^QBP_Q21", hl7v2.AckAccept},
		{"component separator", "X^Y", "QBP^Q22^QBP_Q21", hl7v2.AckAccept},
		{"generic ack", `C\F\D`, "ADT^A01^ADT_A01", hl7v2.AckReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte("MSH|^~\\&|APP|FAC|GH|GH|20240115||" + tt.msgType + "|" + tt.controlID + "|P|2.5\r" +
				"QPD|IHE PDQ Query|T|@PID.8^f\rRCP|I")
			resp := s.Respond(context.Background(), raw)
			if resp.AckCode != tt.wantAck {
				t.Fatalf("expected %s, got %s (%v)", tt.wantAck, resp.AckCode, resp.Err)
			}
			msa := parseResponse(t, resp).GetSegment("MSA")
			if got := msa.GetField(2); got != tt.controlID {
				t.Errorf("expected MSA-2 %q, got %q", tt.controlID, got)
			}
		})
	}
}

func TestSupplier_InvalidParameterCode(t *testing.T) {
	dir := sampleDirectory()
	s := newTestSupplier(t, dir, enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQ, "CTRL-4", "APP", CodeSex, "f", "@PID.99", "x")

	resp := s.Respond(context.Background(), raw)
	if resp.AckCode != hl7v2.AckReject {
		t.Fatalf("expected AR, got %s", resp.AckCode)
	}
	var ice *InvalidQueryParameterCodeError
	if !errors.As(resp.Err, &ice) {
		t.Fatalf("expected InvalidQueryParameterCodeError, got %v", resp.Err)
	}

	msg := parseResponse(t, resp)
	if msg.Type != PDQResponseType {
		t.Errorf("structured reject must be a query response, got %s", msg.Type)
	}
	errSeg := msg.GetSegment("ERR")
	if errSeg == nil {
		t.Fatal("expected ERR segment")
	}
	if got := errSeg.GetComponent(2, 1); got != "QPD" {
		t.Errorf("expected ERR-2 segment QPD, got %q", got)
	}
	if got := errSeg.GetComponent(2, 4); got != "2" {
		t.Errorf("expected ERR-2 repetition 2, got %q", got)
	}
	if got := errSeg.GetComponent(3, 1); got != hl7v2.CodeApplicationInternalError {
		t.Errorf("expected ERR-3 code 207, got %q", got)
	}
	if !strings.Contains(errSeg.Text(hl7v2.FieldPath{Field: 3, Component: 2}, 1), "@PID.99") {
		t.Errorf("expected ERR-3 text to name the code, got %q", errSeg.Raw)
	}
	if errSeg.GetField(4) != hl7v2.SeverityError {
		t.Errorf("expected severity E, got %q", errSeg.GetField(4))
	}
	if dir.calls != 0 {
		t.Error("directory must not be queried for rejected requests")
	}
}

func TestSupplier_PDQVCodeRejectedForPDQ(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQ, "CTRL-5", "APP", CodeWardName, "CARDIO")

	resp := s.Respond(context.Background(), raw)
	var ice *InvalidQueryParameterCodeError
	if resp.AckCode != hl7v2.AckReject || !errors.As(resp.Err, &ice) {
		t.Fatalf("expected AR with invalid code, got %s %v", resp.AckCode, resp.Err)
	}
}

func TestSupplier_RequestShapeErrors(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())

	tests := []struct {
		name string
		raw  []byte
		code string
		rep  string
		is   func(error) bool
	}{
		{
			name: "no parameters",
			raw:  queryMessage(t, hl7v2.QueryPDQ, "C1", "APP"),
			code: hl7v2.CodeRequiredFieldMissing,
			rep:  "",
			is:   func(err error) bool { var e *MissingQueryParametersError; return errors.As(err, &e) },
		},
		{
			name: "missing value",
			raw:  []byte("MSH|^~\\&|APP|FAC|GH|GH|20240115||QBP^Q22^QBP_Q21|C2|P|2.5\rQPD|IHE PDQ Query|T|@PID.8^f~@PID.5.1.1\rRCP|I"),
			code: hl7v2.CodeRequiredFieldMissing,
			rep:  "2",
			is:   func(err error) bool { var e *MissingQueryParameterValueError; return errors.As(err, &e) },
		},
		{
			name: "dashed date",
			raw:  queryMessage(t, hl7v2.QueryPDQ, "C3", "APP", CodeBirthDate, "1985-12-12"),
			code: hl7v2.CodeDataTypeError,
			rep:  "1",
			is:   func(err error) bool { var e *InvalidDateParameterValueError; return errors.As(err, &e) },
		},
		{
			name: "month 13",
			raw:  queryMessage(t, hl7v2.QueryPDQ, "C4", "APP", CodeBirthDate, "19851332"),
			code: hl7v2.CodeDataTypeError,
			rep:  "1",
			is:   func(err error) bool { var e *InvalidDateParameterValueError; return errors.As(err, &e) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Respond(context.Background(), tt.raw)
			if resp.AckCode != hl7v2.AckReject {
				t.Fatalf("expected AR, got %s", resp.AckCode)
			}
			if !tt.is(resp.Err) {
				t.Fatalf("unexpected error type %T: %v", resp.Err, resp.Err)
			}
			errSeg := parseResponse(t, resp).GetSegment("ERR")
			if errSeg == nil {
				t.Fatal("expected ERR segment")
			}
			if errSeg.GetComponent(2, 1) != "QPD" || errSeg.GetComponent(2, 3) != "3" {
				t.Errorf("expected ERR-2 QPD^1^3, got %q", errSeg.GetField(2))
			}
			if got := errSeg.GetComponent(2, 4); got != tt.rep {
				t.Errorf("expected repetition %q, got %q", tt.rep, got)
			}
			if got := errSeg.GetComponent(3, 1); got != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestSupplier_ValidDateAccepted(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQ, "D1", "APP", CodeBirthDate, "19851212")

	resp := s.Respond(context.Background(), raw)
	if resp.AckCode != hl7v2.AckAccept {
		t.Fatalf("expected AA, got %s (%v)", resp.AckCode, resp.Err)
	}
	if resp.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", resp.Hits)
	}

	// Year precision matches every birth date in 1985.
	resp = s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "D2", "APP", CodeBirthDate, "1985"))
	if resp.Hits != 2 {
		t.Errorf("expected 2 hits for 1985, got %d", resp.Hits)
	}
}

func TestSupplier_WildcardSurname(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())

	wild := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "W1", "APP", CodeFamilyName, "BL*"))
	if wild.Hits != 2 {
		t.Fatalf("expected BL* to match BLACK and BLUE, got %d hits", wild.Hits)
	}

	literal, err := sampleDirectory().Search(context.Background(), WhereSpec{Conditions: []Condition{
		{Column: "party.lastname", Op: OpLike, Args: []string{"BL%"}},
	}}, VariantPDQ)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(literal) != wild.Hits {
		t.Errorf("BL* and BL%% differ: %d vs %d", wild.Hits, len(literal))
	}

	sub := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "W2", "APP", CodeFamilyName, "LAC"))
	if sub.Hits != 1 {
		t.Errorf("expected substring LAC to match only BLACK, got %d", sub.Hits)
	}
}

func TestSupplier_AllowList(t *testing.T) {
	cfg := enabledConfig()
	cfg.FilterByAllowedApp = true
	cfg.AllowedApplications = []string{"TRUSTED"}
	dir := sampleDirectory()
	s := newTestSupplier(t, dir, cfg)

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "A1", "INTRUDER", CodeFamilyName, "SMITH"))
	if resp.AckCode != hl7v2.AckReject {
		t.Fatalf("expected AR for unknown application, got %s", resp.AckCode)
	}
	var isa *InvalidSendingApplicationError
	if !errors.As(resp.Err, &isa) || isa.Application != "INTRUDER" {
		t.Fatalf("expected InvalidSendingApplicationError, got %v", resp.Err)
	}
	msg := parseResponse(t, resp)
	if msg.Type != PDQResponseType {
		t.Errorf("expected structured response, got %s", msg.Type)
	}
	if errSeg := msg.GetSegment("ERR"); errSeg == nil || errSeg.GetComponent(2, 1) != "MSH" || errSeg.GetComponent(2, 3) != "3" {
		t.Errorf("expected ERR at MSH-3, got %v", errSeg)
	}
	if dir.calls != 0 {
		t.Error("directory must not be queried for a rejected application")
	}

	ok := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "A2", "TRUSTED", CodeFamilyName, "SMITH"))
	if ok.AckCode != hl7v2.AckAccept {
		t.Errorf("expected AA for allowed application, got %s", ok.AckCode)
	}
}

func TestSupplier_AllowListIgnoredWhenFilterOff(t *testing.T) {
	cfg := enabledConfig()
	cfg.AllowedApplications = []string{"TRUSTED"}
	s := newTestSupplier(t, sampleDirectory(), cfg)

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "A3", "ANYONE", CodeSex, "m"))
	if resp.AckCode != hl7v2.AckAccept {
		t.Errorf("expected AA, got %s", resp.AckCode)
	}
}

func TestSupplier_DataAccessError(t *testing.T) {
	dir := sampleDirectory()
	dir.err = &DataAccessError{Op: "search patients", Err: errors.New("connection reset")}
	s := newTestSupplier(t, dir, enabledConfig())

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "E1", "APP", CodeSex, "f"))
	if resp.AckCode != hl7v2.AckError {
		t.Fatalf("expected AE, got %s", resp.AckCode)
	}
	msg := parseResponse(t, resp)
	if msg.Type != PDQResponseType {
		t.Errorf("expected structured response, got %s", msg.Type)
	}
	if got := msg.GetSegment("QAK").GetField(2); got != hl7v2.AckError {
		t.Errorf("expected QAK-2 AE, got %q", got)
	}
	if got := msg.GetSegment("ERR").GetComponent(3, 1); got != hl7v2.CodeApplicationInternalError {
		t.Errorf("expected ERR code 207, got %q", got)
	}
}

func TestSupplier_UnclassifiedDirectoryError(t *testing.T) {
	dir := sampleDirectory()
	dir.err = errors.New("boom")
	s := newTestSupplier(t, dir, enabledConfig())

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "E2", "APP", CodeSex, "f"))
	if resp.AckCode != hl7v2.AckError {
		t.Fatalf("expected AE, got %s", resp.AckCode)
	}
	var ie *InternalError
	if !errors.As(resp.Err, &ie) {
		t.Errorf("expected InternalError, got %T", resp.Err)
	}
}

type panickingDirectory struct{}

func (panickingDirectory) Search(context.Context, WhereSpec, Variant) ([]DemographicRecord, error) {
	panic("directory exploded")
}

func TestSupplier_PanicBecomesAcknowledgment(t *testing.T) {
	s := newTestSupplier(t, panickingDirectory{}, enabledConfig())

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "P1", "APP", CodeSex, "f"))
	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.AckCode != hl7v2.AckError {
		t.Errorf("expected AE, got %s", resp.AckCode)
	}
	if got := parseResponse(t, resp).GetSegment("MSA").GetField(2); got != "P1" {
		t.Errorf("expected MSA-2 P1, got %q", got)
	}
}

func loggingSupplier(t *testing.T, dir Directory, buf *bytes.Buffer) *Supplier {
	t.Helper()
	profiles, err := hl7v2.DefaultProfiles()
	if err != nil {
		t.Fatalf("failed to load profiles: %v", err)
	}
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)
	return NewSupplier(profiles, NewStaticConfigStore(enabledConfig()), dir, logger)
}

func TestSupplier_LogsTransitionsAndFailures(t *testing.T) {
	var buf bytes.Buffer
	s := loggingSupplier(t, sampleDirectory(), &buf)
	s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "LOG-1", "APP", "@PID.99", "x"))

	out := buf.String()
	for _, want := range []string{
		`"message":"pdq state transition"`,
		`"to":"structurally_validated"`,
		`"to":"error_responded"`,
		`"message":"pdq request failed"`,
		`"control_id":"LOG-1"`,
		`"message_type":"QBP^Q22^QBP_Q21"`,
		`"error_code":"207"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %s\n%s", want, out)
		}
	}
}

func TestSupplier_PanicLogsStack(t *testing.T) {
	var buf bytes.Buffer
	s := loggingSupplier(t, panickingDirectory{}, &buf)
	s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "P2", "APP", CodeSex, "f"))

	out := buf.String()
	for _, want := range []string{`"message":"panic recovered"`, `"stack":"goroutine`, `"control_id":"P2"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %s\n%s", want, out)
		}
	}
}

func TestSupplier_GenericErrors(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not hl7", "hello world", hl7v2.CodeApplicationInternalError},
		{"unknown profile", "MSH|^~\\&|APP|FAC|GH|GH|20240115||ADT^A01^ADT_A01|G1|P|2.5\rPID|1", hl7v2.CodeApplicationInternalError},
		{"response type", "MSH|^~\\&|APP|FAC|GH|GH|20240115||RSP^K22^RSP_K21|G2|P|2.5\rMSA|AA|X", hl7v2.CodeApplicationInternalError},
		{"missing RCP", "MSH|^~\\&|APP|FAC|GH|GH|20240115||QBP^Q22^QBP_Q21|G3|P|2.5\rQPD|IHE PDQ Query|T|@PID.8^f", hl7v2.CodeApplicationInternalError},
		{"missing query tag", "MSH|^~\\&|APP|FAC|GH|GH|20240115||QBP^Q22^QBP_Q21|G4|P|2.5\rQPD|IHE PDQ Query||@PID.8^f\rRCP|I", hl7v2.CodeApplicationInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Respond(context.Background(), []byte(tt.raw))
			if resp.AckCode != hl7v2.AckReject {
				t.Fatalf("expected AR, got %s", resp.AckCode)
			}
			if resp.Err.Class() != ClassGeneric {
				t.Errorf("expected generic class, got %s (%v)", resp.Err.Class(), resp.Err)
			}
			msg := parseResponse(t, resp)
			if msg.MessageCode() != "ACK" {
				t.Errorf("expected bare ACK, got %s", msg.Type)
			}
			if msg.GetSegment("QAK") != nil || msg.GetSegment("PID") != nil {
				t.Error("bare ACK must not carry query segments")
			}
			if got := msg.GetSegment("ERR").GetComponent(3, 1); got != tt.code {
				t.Errorf("expected ERR code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestSupplier_Disabled(t *testing.T) {
	dir := sampleDirectory()
	s := newTestSupplier(t, dir, DefaultConfiguration())

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "OFF", "APP", CodeSex, "f"))
	var sd *SupplierDisabledError
	if !errors.As(resp.Err, &sd) {
		t.Fatalf("expected SupplierDisabledError, got %v", resp.Err)
	}
	msg := parseResponse(t, resp)
	if msg.MessageCode() != "ACK" || msg.GetSegment("MSA").GetField(1) != hl7v2.AckReject {
		t.Errorf("expected bare AR ACK, got %q", resp.Bytes())
	}
	if got := msg.GetSegment("ERR").GetComponent(3, 1); got != hl7v2.CodeUnsupportedMessageType {
		t.Errorf("expected ERR code 200, got %s", got)
	}
	if dir.calls != 0 {
		t.Error("disabled supplier must not query")
	}
}

func TestSupplier_SearchDisabled(t *testing.T) {
	dir := sampleDirectory()
	s := newTestSupplier(t, dir, DefaultConfiguration())

	records, err := s.Search(context.Background(), VariantPDQ, []QueryParameter{{Code: CodeFamilyName, Value: "SMITH", Repetition: 1}})
	var sd *SupplierDisabledError
	if !errors.As(err, &sd) {
		t.Fatalf("expected SupplierDisabledError, got %v", err)
	}
	if records != nil || dir.calls != 0 {
		t.Errorf("disabled supplier returned %v after %d directory calls", records, dir.calls)
	}
}

func TestSupplier_PDQV(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	raw := queryMessage(t, hl7v2.QueryPDQV, "V1", "APP", CodeWardName, "CARDIO")

	resp := s.Respond(context.Background(), raw)
	if resp.AckCode != hl7v2.AckAccept {
		t.Fatalf("expected AA, got %s (%v)", resp.AckCode, resp.Err)
	}
	msg := parseResponse(t, resp)
	if msg.Type != PDQVResponseType {
		t.Errorf("expected %s, got %s", PDQVResponseType, msg.Type)
	}
	pids := msg.GetSegments("PID")
	pv1s := msg.GetSegments("PV1")
	if len(pids) != 2 || len(pv1s) != 2 {
		t.Fatalf("expected 2 PID/PV1 groups, got %d/%d", len(pids), len(pv1s))
	}
	for _, pv1 := range pv1s {
		if got := pv1.GetComponent(3, 1); got != "CARDIO" {
			t.Errorf("expected PV1-3.1 CARDIO, got %q", got)
		}
		if got := pv1.GetField(2); got != "I" {
			t.Errorf("expected PV1-2 I, got %q", got)
		}
	}

	// PID and PV1 alternate per result.
	var order []string
	for _, seg := range msg.Segments {
		if seg.Name == "PID" || seg.Name == "PV1" {
			order = append(order, seg.Name)
		}
	}
	if strings.Join(order, ",") != "PID,PV1,PID,PV1" {
		t.Errorf("unexpected group order %v", order)
	}
}

func TestSupplier_ConfigurationFallback(t *testing.T) {
	profiles, err := hl7v2.DefaultProfiles()
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	store := &countingConfigStore{err: errors.New("db down")}
	s := NewSupplier(profiles, store, sampleDirectory(), zerolog.Nop())

	cfg := s.Configuration(context.Background())
	if cfg.Enabled {
		t.Error("fallback configuration must be disabled")
	}
	if cfg.SendingApplication != DefaultSendingApplication {
		t.Errorf("expected default sending application, got %q", cfg.SendingApplication)
	}
}

func TestSupplier_ResponseHeader(t *testing.T) {
	cfg := enabledConfig()
	cfg.SendingApplication = "GH_PDQ"
	cfg.SendingFacility = "GH_HOSP"
	cfg.Country = "ESP"
	cfg.Language = "ES"
	s := newTestSupplier(t, sampleDirectory(), cfg)

	resp := s.Respond(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "H1", "CLIENT", CodeSex, "m"))
	msg := parseResponse(t, resp)
	if msg.SendingApp != "GH_PDQ" || msg.SendingFac != "GH_HOSP" {
		t.Errorf("unexpected sender %s/%s", msg.SendingApp, msg.SendingFac)
	}
	if msg.ReceivingApp != "CLIENT" || msg.ReceivingFac != "HOSPITAL" {
		t.Errorf("unexpected receiver %s/%s", msg.ReceivingApp, msg.ReceivingFac)
	}
	if msg.ControlID != resp.ControlID || msg.ControlID == "H1" {
		t.Errorf("expected fresh control id, got %q", msg.ControlID)
	}
	msh := msg.GetSegment("MSH")
	if msh.GetField(17) != "ESP" || msh.GetComponent(19, 1) != "ES" || msh.GetField(18) != DefaultCharacterSet {
		t.Errorf("unexpected MSH-17..19 in %q", msh.Raw)
	}
}

func TestSupplier_ServeHL7Framed(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	framed := s.ServeHL7(context.Background(), queryMessage(t, hl7v2.QueryPDQ, "F1", "APP", CodeSex, "f"))
	inner, _, found := hl7v2.UnframeMessage(framed)
	if !found {
		t.Fatalf("expected MLLP framed reply, got %q", framed)
	}
	if !strings.HasPrefix(string(inner), "MSH|") {
		t.Errorf("unexpected reply %q", inner)
	}
}

func TestSupplier_BehindRouter(t *testing.T) {
	s := newTestSupplier(t, sampleDirectory(), enabledConfig())
	r := hl7v2.NewRouter(hl7v2.Header{SendingApp: "gnuhealth"}, zerolog.Nop())
	r.Handle(PDQRequestType, "pdq", s)
	r.Handle(PDQVRequestType, "pdqv", s)

	framed := r.ServeHL7(context.Background(), queryMessage(t, hl7v2.QueryPDQV, "R1", "APP", CodeWardName, "ORTHO"))
	inner, _, found := hl7v2.UnframeMessage(framed)
	if !found {
		t.Fatal("expected framed reply")
	}
	msg, err := hl7v2.Parse(inner)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != PDQVResponseType || len(msg.GetSegments("PID")) != 1 {
		t.Errorf("unexpected reply %q", inner)
	}
}

func TestStateFallbackClass(t *testing.T) {
	tests := map[State]ErrorClass{
		StateReceived:              ClassGeneric,
		StateStructurallyValidated: ClassGeneric,
		StateSemanticallyValidated: ClassReject,
		StateApplicationFiltered:   ClassApplication,
		StateQueried:               ClassApplication,
	}
	for state, want := range tests {
		if got := state.fallbackClass(); got != want {
			t.Errorf("%s: expected %s, got %s", state, want, got)
		}
	}
}
