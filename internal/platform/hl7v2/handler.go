package hl7v2

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPHandler provides HTTP endpoints for HL7v2 message parsing and query generation.
type HTTPHandler struct{}

// NewHTTPHandler creates a new HL7v2 handler.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse          - Parse HL7v2 message to JSON
//	POST /api/v1/hl7v2/generate/qbp   - Generate a PDQ/PDQV query message
func (h *HTTPHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/generate/qbp", h.GenerateQBPHandler)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *HTTPHandler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	result := map[string]interface{}{
		"delimiters":   string(msg.Delims.Field) + msg.Delims.EncodingCharacters(),
		"type":         msg.Type,
		"controlId":    msg.ControlID,
		"version":      msg.Version,
		"timestamp":    msg.Timestamp.Format("2006-01-02T15:04:05Z"),
		"sendingApp":   msg.SendingApp,
		"sendingFac":   msg.SendingFac,
		"receivingApp": msg.ReceivingApp,
		"receivingFac": msg.ReceivingFac,
		"segments":     segments,
	}

	return c.JSON(http.StatusOK, result)
}

// GenerateQBPHandler handles POST /api/v1/hl7v2/generate/qbp.
// It accepts a JSON query description and returns the QBP message as text/plain.
func (h *HTTPHandler) GenerateQBPHandler(c echo.Context) error {
	var req QueryRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	data, err := GenerateQBP(req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to generate QBP message: " + err.Error(),
		})
	}

	return c.Blob(http.StatusOK, "text/plain", data)
}

// decodeJSONBody reads and decodes the JSON request body into the given target.
func decodeJSONBody(c echo.Context, target interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, target)
}
