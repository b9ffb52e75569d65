// Package handlers binds the OpenAI- and Gemini-compatible endpoints to the
// request handler.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// modelCatalog is the static list the proxy advertises. AI Studio exposes no
// model-list API through the browser surface, so the catalog mirrors the
// models the web app offers.
var modelCatalog = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.5-flash-image",
	"gemini-2.5-flash-preview-tts",
	"gemini-embedding-001",
}

// modelCreated is a fixed timestamp for the static catalog.
const modelCreated = 1718000000

// OpenAIModels handles GET /v1/models.
func OpenAIModels(c *gin.Context) {
	data := make([]gin.H, 0, len(modelCatalog))
	for _, id := range modelCatalog {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  modelCreated,
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// GeminiModels handles GET /{version}/models.
func GeminiModels(c *gin.Context) {
	models := make([]gin.H, 0, len(modelCatalog))
	for _, id := range modelCatalog {
		models = append(models, gin.H{
			"name":                       "models/" + id,
			"displayName":                id,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
