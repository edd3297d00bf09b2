package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cqm/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. Handlers are
// expected to observe it; measure evaluation checks it between subjects. A
// handler that gives up because of the deadline gets a 504 OperationOutcome
// unless it already wrote a response.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome("error", "timeout",
					"Request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
