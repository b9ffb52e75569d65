// Package middleware provides Gin HTTP middleware for the AI Studio proxy
// server.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth authenticates requests against the configured key list. Keys
// arrive as "Authorization: Bearer <key>", "x-goog-api-key: <key>", or the
// Gemini "key" query parameter.
func APIKeyAuth(apiKeys []string) gin.HandlerFunc {
	keySet := make(map[string]struct{}, len(apiKeys))
	for _, key := range apiKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keySet[trimmed] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		if len(keySet) == 0 {
			// No keys configured means an open proxy; the operator opted in.
			c.Next()
			return
		}
		if _, ok := keySet[extractKey(c)]; ok {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "invalid or missing API key",
				"type":    "authentication_error",
			},
		})
	}
}

// extractKey pulls the client credential from its accepted carriers.
func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := strings.TrimSpace(c.GetHeader("x-goog-api-key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.Query("key"))
}
