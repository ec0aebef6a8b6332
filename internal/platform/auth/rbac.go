package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one
// of the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// PrimaryRole picks the most privileged known role: admin, then doctor,
// then patient. It returns "" when none is present.
func PrimaryRole(ctx context.Context) string {
	roles := RolesFromContext(ctx)
	for _, want := range []string{RoleAdmin, RoleDoctor, RolePatient} {
		for _, r := range roles {
			if r == want {
				return want
			}
		}
	}
	return ""
}
