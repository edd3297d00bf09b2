package measurereport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

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
	fhirGroup.GET("/MeasureReport", h.SearchMeasureReportsFHIR)
	fhirGroup.POST("/MeasureReport/_search", h.SearchMeasureReportsFHIR)
	fhirGroup.GET("/MeasureReport/:id", h.GetMeasureReportFHIR)
}

func (h *Handler) SearchMeasureReportsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	// FormParams covers both the query string and a _search form body.
	filters, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid search parameters"))
	}
	params := SearchParams{
		Measure: filters.Get("measure"),
		Subject: filters.Get("subject"),
		Type:    filters.Get("type"),
		Status:  filters.Get("status"),
	}
	if params.Subject == "" {
		params.Subject = filters.Get("patient")
	}
	if params.Subject != "" && !strings.Contains(params.Subject, "/") {
		params.Subject = fhir.FormatReference("Patient", params.Subject)
	}

	items, total, err := h.svc.SearchMeasureReports(c.Request().Context(), params, pg.Count, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundle(resources, total,
		fhir.PageLinks(pg, "/fhir/MeasureReport", filters, total)...)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetMeasureReportFHIR(c echo.Context) error {
	mr, err := h.svc.GetMeasureReportByFHIRID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("MeasureReport", c.Param("id")))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, mr.ToFHIR())
}
