package pdq

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/pdq/internal/platform/auth"
	"github.com/ehr/pdq/pkg/pagination"
)

// ContentTypeHL7 is the media type of ER7 encoded HL7v2 bodies.
const ContentTypeHL7 = "application/hl7-v2"

// Handler exposes the supplier over HTTP.
type Handler struct {
	supplier *Supplier
}

func NewHandler(supplier *Supplier) *Handler {
	return &Handler{supplier: supplier}
}

// RegisterRoutes registers the PDQ endpoints on g.
//
//	POST /pdq/query    - answer a raw QBP message with the raw response
//	POST /pdq/search   - JSON search by query parameters
//	GET  /pdq/config   - effective configuration snapshot
func (h *Handler) RegisterRoutes(g *echo.Group) {
	queryGroup := g.Group("", auth.RequireScope(auth.ScopeQuery))
	queryGroup.POST("/pdq/query", h.Query)
	queryGroup.POST("/pdq/search", h.Search)

	configGroup := g.Group("", auth.RequireScope(auth.ScopeConfig))
	configGroup.GET("/pdq/config", h.GetConfig)
}

// Query handles POST /pdq/query. Negative acknowledgments are still
// returned with 200: the HL7 response carries the outcome.
func (h *Handler) Query(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	resp := h.supplier.Respond(c.Request().Context(), body)
	c.Response().Header().Set("X-HL7-Ack-Code", resp.AckCode)
	return c.Blob(http.StatusOK, ContentTypeHL7, resp.Bytes())
}

type searchRequest struct {
	Type   string           `json:"type"`
	Params []QueryParameter `json:"params"`
}

type searchResponse struct {
	Type    string              `json:"type"`
	Total   int                 `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
	HasMore bool                `json:"has_more"`
	Results []map[string]string `json:"results"`
}

// Search handles POST /pdq/search with a JSON body
// {"type": "pdq", "params": [{"code": "@PID.5.1.1", "value": "SMITH"}]}.
// Results are paged with the limit and offset query parameters; total counts
// every match.
func (h *Handler) Search(c echo.Context) error {
	var req searchRequest
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	v := VariantPDQ
	if req.Type != "" {
		if v = ParseVariant(req.Type); !v.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "type must be pdq or pdqv")
		}
	}
	for i := range req.Params {
		if req.Params[i].Repetition == 0 {
			req.Params[i].Repetition = i + 1
		}
	}

	records, err := h.supplier.Search(c.Request().Context(), v, req.Params)
	if err != nil {
		ae := asAckError(err, ClassApplication)
		status := http.StatusBadRequest
		var disabled *SupplierDisabledError
		switch {
		case errors.As(err, &disabled):
			status = http.StatusServiceUnavailable
		case ae.Class() == ClassApplication:
			status = http.StatusInternalServerError
		}
		d := ae.Detail()
		return c.JSON(status, map[string]string{
			"error": d.Text,
			"code":  d.Code,
		})
	}

	page := pagination.FromContext(c)
	start, end := page.Window(len(records))
	fields := DemographicFields(v)
	out := searchResponse{
		Type:    v.String(),
		Total:   len(records),
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasNext(len(records)),
		Results: make([]map[string]string, 0, end-start),
	}
	for _, rec := range records[start:end] {
		m := make(map[string]string, len(fields))
		for i, f := range fields {
			if i < len(rec) {
				m[f.Name] = rec[i]
			}
		}
		out.Results = append(out.Results, m)
	}
	return c.JSON(http.StatusOK, out)
}

// GetConfig handles GET /pdq/config.
func (h *Handler) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, h.supplier.Configuration(c.Request().Context()))
}
