package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every gate.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller holds any of roles, or is an admin.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// CanAccessPatient reports whether the caller may read data belonging to
// patientID. Patients only see their own records; doctors and admins see any.
func CanAccessPatient(ctx context.Context, patientID string) bool {
	if HasRole(ctx, RoleDoctor) {
		return true
	}
	return HasRole(ctx, RolePatient) && UserIDFromContext(ctx) == patientID
}

// RequirePatientAccess guards routes carrying the patient id in param.
func RequirePatientAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pid := c.Param(param)
			if pid == "" {
				pid = c.QueryParam(param)
			}
			if !CanAccessPatient(c.Request().Context(), pid) {
				return echo.NewHTTPError(http.StatusForbidden, "access to this patient's records is not allowed")
			}
			return next(c)
		}
	}
}
