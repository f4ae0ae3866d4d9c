package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Middleware rejects requests over the profile's window limit, keyed on the
// client IP. Rejections happen before any handler work, so no collaborator
// is ever invoked for a limited request.
func Middleware(l *Limiter, p Profile) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := l.Increment(c.Request().Context(), c.RealIP(), p)
			if res.Limited {
				c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
