package api

import (
	echo "github.com/labstack/echo/v5"
)

// authorHeaders are checked in priority order: oauth2-proxy sets
// X-Forwarded-User / X-Forwarded-Email, kube-rbac-proxy sets X-Remote-User.
var authorHeaders = []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"}

// extractAuthor identifies the requesting client from proxy headers,
// falling back to a generic label for direct API access.
func extractAuthor(c *echo.Context) string {
	for _, h := range authorHeaders {
		if v := c.Request().Header.Get(h); v != "" {
			return v
		}
	}
	return "api-client"
}
