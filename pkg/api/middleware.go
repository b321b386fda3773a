// pkg/api/middleware.go
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/parcelpoint/syncd/pkg/audit"
)

// principalKey is the context key the auth middleware sets.
const principalKey = "principal"

// authMiddleware resolves the bearer token to a principal and stores it on
// the request context. Every request under /sync passes through here.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing_bearer_token"})
		}

		principal, ok := s.tokens[token]
		if !ok {
			s.auditLoginFailure(c)
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
		}

		c.Set(principalKey, principal)
		return next(c)
	}
}

func (s *Server) auditLoginFailure(c echo.Context) {
	if _, err := s.audit.Append("", c.RealIP(), audit.CategoryAuthentication, "login_failure", map[string]interface{}{
		"path":   c.Path(),
		"method": c.Request().Method,
	}); err != nil {
		s.logger.Error("Failed to audit login failure")
	}
}

// principal reads the authenticated identity set by the middleware.
func principal(c echo.Context) string {
	p, _ := c.Get(principalKey).(string)
	return p
}
