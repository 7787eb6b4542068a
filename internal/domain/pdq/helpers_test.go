package pdq

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// -- In-memory directory --

// memDirectory evaluates a WhereSpec the way PostgreSQL would against rows
// keyed by qualified column name. Dates are stored as YYYY-MM-DD.
type memDirectory struct {
	mu    sync.Mutex
	rows  []map[string]string
	err   error
	calls int
	last  WhereSpec
}

func (m *memDirectory) Search(_ context.Context, w WhereSpec, v Variant) ([]DemographicRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = w
	if m.err != nil {
		return nil, m.err
	}
	out := []DemographicRecord{}
	for i, row := range m.rows {
		if rowMatches(row, w) {
			out = append(out, m.record(i, v))
		}
	}
	return out, nil
}

// record projects row i the way BuildSearchSQL does.
func (m *memDirectory) record(i int, v Variant) DemographicRecord {
	var rec DemographicRecord
	for _, f := range DemographicFields(v) {
		val := m.rows[i][f.Column]
		if f.Kind == KindDate {
			val = strings.ReplaceAll(val, "-", "")
		}
		rec = append(rec, val)
	}
	return rec
}

func rowMatches(row map[string]string, w WhereSpec) bool {
	for _, c := range w.Conditions {
		val := row[c.Column]
		switch c.Op {
		case OpEqual:
			if val != c.Args[0] {
				return false
			}
		case OpLike:
			if !likeMatch(c.Args[0], val) {
				return false
			}
		case OpDateRange:
			if val == "" || val < c.Args[0] || val >= c.Args[1] {
				return false
			}
		}
	}
	return true
}

// likeMatch implements ILIKE with backslash escapes.
func likeMatch(pattern, s string) bool {
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case c == '%':
			sb.WriteString(".*")
		case c == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String()).MatchString(s)
}

func patientRow(code, last, first, dob, sex, ward string) map[string]string {
	return map[string]string{
		"party.code":           code,
		"party.lastname":       last,
		"party.name":           first,
		"party.dob":            dob,
		"party.sex":            sex,
		"address.street":       "Via Roma 1",
		"address.city":         "Cagliari",
		"address.subdivision":  "CA",
		"address.zip":          "09100",
		"party.ref":            "REF-" + code,
		"party.marital_status": "s",
		"ward.name":            ward,
	}
}

func sampleDirectory() *memDirectory {
	return &memDirectory{rows: []map[string]string{
		patientRow("GH001", "SMITH", "JANE", "1985-12-12", "f", "CARDIO"),
		patientRow("GH002", "SMITH", "JOHN", "1970-01-01", "m", ""),
		patientRow("GH003", "BLACK", "ANNA", "1985-05-20", "f", "CARDIO"),
		patientRow("GH004", "BLUE", "MARK", "1990-07-04", "m", "ORTHO"),
		patientRow("GH005", "ABLE", "CARL", "1962-03-30", "m", ""),
	}}
}

// -- Configuration --

func enabledConfig() Configuration {
	cfg := DefaultConfiguration()
	cfg.Enabled = true
	return cfg
}

type countingConfigStore struct {
	mu    sync.Mutex
	cfg   Configuration
	err   error
	loads int
}

func (s *countingConfigStore) Load(_ context.Context) (Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.cfg, s.err
}

// -- Supplier and messages --

func newTestSupplier(t *testing.T, dir Directory, cfg Configuration) *Supplier {
	t.Helper()
	profiles, err := hl7v2.DefaultProfiles()
	if err != nil {
		t.Fatalf("failed to load profiles: %v", err)
	}
	return NewSupplier(profiles, NewStaticConfigStore(cfg), dir, zerolog.Nop())
}

// queryMessage builds a QBP request. params alternate code, value.
func queryMessage(t *testing.T, messageType, controlID, sendingApp string, params ...string) []byte {
	t.Helper()
	req := hl7v2.QueryRequest{
		MessageType:  messageType,
		SendingApp:   sendingApp,
		SendingFac:   "HOSPITAL",
		ReceivingApp: "GNUHEALTH",
		ReceivingFac: "GNUHEALTH",
		ControlID:    controlID,
		QueryTag:     "TAG-" + controlID,
	}
	for i := 0; i+1 < len(params); i += 2 {
		req.Params = append(req.Params, hl7v2.QueryParam{Code: params[i], Value: params[i+1]})
	}
	raw, err := hl7v2.GenerateQBP(req)
	if err != nil {
		t.Fatalf("GenerateQBP: %v", err)
	}
	return raw
}

func parseResponse(t *testing.T, resp *Response) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse(resp.Bytes())
	if err != nil {
		t.Fatalf("response does not parse: %v\n%q", err, resp.Bytes())
	}
	return msg
}
