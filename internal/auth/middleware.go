package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	OperatorKey       = "operator"
	AdminSecretHeader = "X-Admin-Secret"

	// adminOperator is recorded when the shared admin secret is used directly.
	adminOperator = "admin"
)

// Middleware admits requests carrying either a valid operator bearer token
// or the admin secret header, and stores the operator name on the context.
func (i *Issuer) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if secret := c.Request().Header.Get(AdminSecretHeader); secret != "" {
			if err := i.CheckAdminSecret(secret); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid admin secret")
			}
			c.Set(OperatorKey, adminOperator)
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
		}

		operator, err := i.Verify(parts[1])
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}

		c.Set(OperatorKey, operator)
		return next(c)
	}
}

// OperatorFromContext returns the operator set by Middleware.
func OperatorFromContext(c echo.Context) string {
	op, _ := c.Get(OperatorKey).(string)
	return op
}
