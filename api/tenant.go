package api

import (
	"github.com/labstack/echo/v4"

	"github.com/Mudityadev/charles-map/dispatch/scope"
)

// Headers set by the authenticating gateway in front of this service.
const (
	HeaderOrgID  = "X-Org-ID"
	HeaderUserID = "X-User-ID"
)

// Tenant copies the caller identity from the gateway headers onto the
// request context.
func Tenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			t := scope.Tenant{
				OrgID:  c.Request().Header.Get(HeaderOrgID),
				UserID: c.Request().Header.Get(HeaderUserID),
			}
			if !t.IsZero() {
				req := c.Request()
				c.SetRequest(req.WithContext(scope.WithTenant(req.Context(), t)))
			}
			return next(c)
		}
	}
}

// identity overrides body-supplied ids with the authenticated ones.
func identity(c echo.Context, orgID, userID *string) {
	t, ok := scope.FromContext(c.Request().Context())
	if !ok {
		return
	}
	if t.OrgID != "" {
		*orgID = t.OrgID
	}
	if t.UserID != "" {
		*userID = t.UserID
	}
}
