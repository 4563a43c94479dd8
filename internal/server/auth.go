package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AuthMiddleware enforces a Bearer master key on every route except the
// given skip paths. An empty master key disables authentication entirely,
// which is the expected mode for local development.
func AuthMiddleware(masterKey string, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" {
				return next(c)
			}
			if _, ok := skip[c.Path()]; ok {
				return next(c)
			}

			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": map[string]any{
						"type":    "authentication_error",
						"message": "missing bearer token",
					},
				})
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": map[string]any{
						"type":    "authentication_error",
						"message": "invalid master key",
					},
				})
			}
			return next(c)
		}
	}
}
