// Package api assembles the HTTP surface: the route table binding OpenAI and
// Gemini endpoints to the request handler, plus auth and logging middleware.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/router-for-me/AIStudioProxyAPI/internal/api/handlers"
	"github.com/router-for-me/AIStudioProxyAPI/internal/api/middleware"
	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/handler"
	"github.com/router-for-me/AIStudioProxyAPI/internal/logging"
)

// geminiVersions lists the API version segments the Gemini-native surface
// answers. Kept explicit: a wildcard version segment would collide with the
// OpenAI routes in the router tree.
var geminiVersions = []string{"v1", "v1beta", "v1alpha"}

// NewRouter builds the gin engine with the full route table.
func NewRouter(cfg *config.Config, core *handler.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	admin := handlers.NewAdminHandlers(core)
	engine.GET("/health", admin.Health)

	auth := middleware.APIKeyAuth(cfg.APIKeys)

	// OpenAI-compatible surface, also mounted under /openai for clients that
	// prefix the provider name. GET /v1/models is claimed by this surface;
	// Gemini-native model listing answers on the other version segments.
	for _, prefix := range []string{"", "/openai"} {
		group := engine.Group(prefix+"/v1", auth)
		group.GET("/models", handlers.OpenAIModels)
		group.POST("/chat/completions", core.ServeOpenAIChat)
	}

	// Gemini-native surface: the {model}:{method} pair inside the wildcard is
	// parsed by the handler.
	dispatchAction := func(version string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Params = append(c.Params, gin.Param{Key: "version", Value: version})
			core.ServeGeminiNative(c)
		}
	}
	for _, version := range geminiVersions {
		if version != "v1" {
			engine.GET("/"+version+"/models", auth, handlers.GeminiModels)
		}
		engine.POST("/"+version+"/models/*action", auth, dispatchAction(version))
	}

	adminGroup := engine.Group("/admin", auth)
	adminGroup.GET("/status", admin.Status)
	adminGroup.POST("/switch", admin.Switch)
	adminGroup.POST("/flags", admin.Flags)
	adminGroup.GET("/identities", admin.Identities)

	return engine
}
