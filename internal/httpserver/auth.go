package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// authOK accepts ?password=, "Authorization: Bearer" or X-Auth-Token. An
// empty expected password disables auth.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && equal(q, expected) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if equal(strings.TrimSpace(ah[len("Bearer "):]), expected) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, expected) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requireAuth guards every route except liveness and CORS preflight.
func requireAuth(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if r.Method == http.MethodOptions || c.Path() == "/healthz" {
				return next(c)
			}
			if !authOK(r, password) {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			}
			return next(c)
		}
	}
}
