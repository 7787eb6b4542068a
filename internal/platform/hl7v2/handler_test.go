package hl7v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// =========== Handler Tests ===========

func TestHandler_ParseMessage(t *testing.T) {
	h := NewHTTPHandler()
	e := echo.New()

	body := samplePDQ

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		t.Errorf("expected Content-Type containing 'application/json', got %q", contentType)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}

	if result["type"] != "QBP^Q22^QBP_Q21" {
		t.Errorf("expected type 'QBP^Q22^QBP_Q21', got %v", result["type"])
	}
	if result["controlId"] != "MSG00001" {
		t.Errorf("expected controlId 'MSG00001', got %v", result["controlId"])
	}
	if result["version"] != "2.5" {
		t.Errorf("expected version '2.5', got %v", result["version"])
	}
	if result["delimiters"] != "|^~\\&" {
		t.Errorf("expected delimiters '|^~\\&', got %v", result["delimiters"])
	}

	segments, ok := result["segments"].([]interface{})
	if !ok {
		t.Fatal("expected segments array in response")
	}
	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments, got %d", len(segments))
	}
}

func TestHandler_ParseMessage_Invalid(t *testing.T) {
	h := NewHTTPHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader("this is not a valid hl7 message"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_GenerateQBP(t *testing.T) {
	h := NewHTTPHandler()
	e := echo.New()

	body := `{"messageType":"QBP^Q22^QBP_Q21","sendingApp":"CLIENT","controlId":"Q77","params":[{"code":"@PID.3.1","value":"12345"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/generate/qbp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GenerateQBPHandler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	msg, err := Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("response is not HL7: %v", err)
	}
	if msg.ControlID != "Q77" {
		t.Errorf("expected control id 'Q77', got %q", msg.ControlID)
	}
	if msg.GetSegment("QPD").GetField(3) != "@PID.3.1^12345" {
		t.Errorf("unexpected QPD-3 %q", msg.GetSegment("QPD").GetField(3))
	}
}

func TestHandler_GenerateQBP_BadRequest(t *testing.T) {
	h := NewHTTPHandler()
	e := echo.New()

	for _, body := range []string{`not json`, `{"messageType":"ADT^A01"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/generate/qbp", strings.NewReader(body))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := h.GenerateQBPHandler(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandler_ParseMessage_EmptyBody(t *testing.T) {
	h := NewHTTPHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(""))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := NewHTTPHandler()
	e := echo.New()

	g := e.Group("/api/v1")
	h.RegisterRoutes(g)

	routes := e.Routes()
	routePaths := make(map[string]bool)
	for _, r := range routes {
		routePaths[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"POST:/api/v1/hl7v2/parse",
		"POST:/api/v1/hl7v2/generate/qbp",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}
