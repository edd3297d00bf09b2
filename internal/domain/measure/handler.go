package measure

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	engine "github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/fhir"
	"github.com/ehr/cqm/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/Measure", h.SearchMeasuresFHIR)
	fhirGroup.GET("/Measure/:id", h.GetMeasureFHIR)
	fhirGroup.POST("/Measure", h.CreateMeasureFHIR)

	fhirGroup.GET("/Measure/:id/$evaluate-measure", h.EvaluateMeasure)
	fhirGroup.POST("/Measure/:id/$evaluate-measure", h.EvaluateMeasure)
}

func (h *Handler) SearchMeasuresFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	url, name := c.QueryParam("url"), c.QueryParam("name")

	var matched []*Definition
	for _, d := range h.svc.ListMeasures() {
		if (url == "" || d.URL == url) && (name == "" || d.Name == name) {
			matched = append(matched, d)
		}
	}
	total := len(matched)
	start, end := pg.Window(total)
	resources := make([]interface{}, 0, end-start)
	for _, d := range matched[start:end] {
		resources = append(resources, d.ToFHIR())
	}

	bundle := fhir.NewSearchBundle(resources, total,
		fhir.PageLinks(pg, "/fhir/Measure", c.QueryParams(), total)...)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetMeasureFHIR(c echo.Context) error {
	d, err := h.svc.GetMeasure(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Measure", c.Param("id")))
	}
	return c.JSON(http.StatusOK, d.ToFHIR())
}

func (h *Handler) CreateMeasureFHIR(c echo.Context) error {
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid JSON body"))
	}
	d, err := h.svc.CreateMeasure(c.Request().Context(), fhir.Object(body))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/Measure/"+d.FHIRID)
	return c.JSON(http.StatusCreated, d.ToFHIR())
}

// EvaluateMeasure implements Measure/[id]/$evaluate-measure. Parameters come
// from the query string; a POST body may be a Parameters resource or a data
// Bundle.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	req := EvaluateRequest{
		MeasureID:    c.Param("id"),
		PeriodStart:  c.QueryParam("periodStart"),
		PeriodEnd:    c.QueryParam("periodEnd"),
		ReportType:   c.QueryParam("reportType"),
		Subject:      c.QueryParam("subject"),
		Practitioner: c.QueryParam("practitioner"),
	}
	if req.Subject == "" {
		req.Subject = c.QueryParam("patient")
	}

	if c.Request().Method == http.MethodPost && c.Request().ContentLength != 0 {
		// BindBody, not Bind: the :id path param must not leak into the body.
		var body map[string]interface{}
		if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid JSON body"))
		}
		if err := applyBody(&req, fhir.Object(body)); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
		}
	}
	req.Subject = fhir.ReferenceID(req.Subject)

	res, err := h.svc.Evaluate(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res.Resource)
}

// applyBody merges a POSTed Parameters or Bundle into req.
func applyBody(req *EvaluateRequest, body fhir.Object) error {
	switch body.ResourceType() {
	case "Bundle":
		req.Data = body
		return nil
	case "Parameters":
	default:
		return errors.New("body must be a Parameters or Bundle resource")
	}

	for _, raw := range asList(body["parameter"]) {
		p := fhir.Object(asMap(raw))
		value := parameterValue(p)
		switch p.String("name") {
		case "periodStart":
			req.PeriodStart = value
		case "periodEnd":
			req.PeriodEnd = value
		case "reportType":
			req.ReportType = value
		case "subject", "patient":
			req.Subject = value
		case "practitioner":
			req.Practitioner = value
		case "additionalData", "data":
			if res := asMap(p["resource"]); res != nil {
				req.Data = res
			}
		}
	}
	return nil
}

func parameterValue(p fhir.Object) string {
	for _, key := range []string{"valueDate", "valueDateTime", "valueString", "valueCode", "valueId", "valueUri"} {
		if v := p.String(key); v != "" {
			return v
		}
	}
	return p.Reference("valueReference")
}

// writeError renders an evaluation failure as an OperationOutcome. Deadline
// errors are returned unwritten so the timeout middleware can answer.
func writeError(c echo.Context, err error) error {
	var (
		cfgErr  *engine.ConfigurationError
		exprErr *engine.ExpressionError
		typeErr *engine.EvaluationTypeError
		dataErr *engine.DataAccessError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrMeasureNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Measure", c.Param("id")))
	case errors.As(err, &cfgErr):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.As(err, &dataErr):
		return c.JSON(http.StatusBadGateway, fhir.TransientOutcome(err.Error()))
	case errors.As(err, &typeErr), errors.As(err, &exprErr):
		return c.JSON(http.StatusUnprocessableEntity, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
}
