package subject

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cqm/internal/platform/fhir"
)

// Saver persists a single resource.
type Saver interface {
	Save(ctx context.Context, r fhir.Object) error
}

// Handler loads clinical data posted as a batch or collection Bundle.
type Handler struct {
	store Saver
}

func NewHandler(store Saver) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.LoadBundle)
}

// LoadBundle stores every entry of the posted Bundle and answers with a
// batch-response Bundle carrying one status per entry.
func (h *Handler) LoadBundle(c echo.Context) error {
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid JSON body"))
	}
	resources, err := fhir.BundleResources(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	ctx := c.Request().Context()
	logger := zerolog.Ctx(ctx)
	entries := make([]interface{}, 0, len(resources))
	stored := 0
	for _, r := range resources {
		status := "201 Created"
		if err := h.store.Save(ctx, r); err != nil {
			logger.Warn().Err(err).Str("resource", r.ResourceType()+"/"+r.ResourceID()).Msg("resource not stored")
			status = "400 Bad Request"
		} else {
			stored++
		}
		entries = append(entries, map[string]interface{}{
			"response": map[string]interface{}{
				"status":   status,
				"location": fhir.FormatReference(r.ResourceType(), r.ResourceID()),
			},
		})
	}
	logger.Info().Int("stored", stored).Int("entries", len(resources)).Msg("bundle loaded")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "batch-response",
		"total":        len(entries),
		"entry":        entries,
		"id":           uuid.New().String(),
	})
}
