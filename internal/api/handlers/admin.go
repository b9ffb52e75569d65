package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/handler"
)

// AdminHandlers exposes the operator endpoints that touch the core's
// read-mostly flags and the rotation machine.
type AdminHandlers struct {
	core *handler.Handler
}

// NewAdminHandlers builds the admin handler set.
func NewAdminHandlers(core *handler.Handler) *AdminHandlers {
	return &AdminHandlers{core: core}
}

// Status handles GET /admin/status.
func (a *AdminHandlers) Status(c *gin.Context) {
	snapshot := a.core.Machine().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"activeIndex":      snapshot.Cursor,
		"usageCount":       snapshot.UsageCount,
		"failureCount":     snapshot.FailureCount,
		"state":            snapshot.State,
		"browserConnected": a.core.Bridge().Connected(),
		"streamingMode":    a.core.Flags().StreamingMode(),
	})
}

// Switch handles POST /admin/switch. An absent index rotates to the next
// identity; an explicit index targets it directly.
func (a *AdminHandlers) Switch(c *gin.Context) {
	var body struct {
		Index *int `json:"index"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid body"}})
		return
	}

	var err error
	if body.Index != nil {
		err = a.core.Machine().SwitchTo(c.Request.Context(), *body.Index)
	} else {
		err = a.core.Machine().SwitchToNext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, a.core.Machine().Snapshot())
}

// Flags handles POST /admin/flags, mutating the process-wide knobs.
func (a *AdminHandlers) Flags(c *gin.Context) {
	var body struct {
		StreamingMode   *string `json:"streamingMode"`
		ForceThinking   *bool   `json:"forceThinking"`
		ForceWebSearch  *bool   `json:"forceWebSearch"`
		ForceURLContext *bool   `json:"forceUrlContext"`
		AgentLogLevel   *string `json:"agentLogLevel"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid body"}})
		return
	}

	flags := a.core.Flags()
	if body.StreamingMode != nil {
		mode := *body.StreamingMode
		if mode != config.StreamingModeReal && mode != config.StreamingModeFake {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "streamingMode must be real or fake"}})
			return
		}
		flags.SetStreamingMode(mode)
	}
	if body.ForceThinking != nil {
		flags.SetForceThinking(*body.ForceThinking)
	}
	if body.ForceWebSearch != nil {
		flags.SetForceWebSearch(*body.ForceWebSearch)
	}
	if body.ForceURLContext != nil {
		flags.SetForceURLContext(*body.ForceURLContext)
	}
	if body.AgentLogLevel != nil {
		a.core.Bridge().SetLogLevel(*body.AgentLogLevel)
	}

	c.JSON(http.StatusOK, gin.H{
		"streamingMode":   flags.StreamingMode(),
		"forceThinking":   flags.ForceThinking(),
		"forceWebSearch":  flags.ForceWebSearch(),
		"forceUrlContext": flags.ForceURLContext(),
	})
}

// Identities handles GET /admin/identities, listing the registry including
// invalid entries kept for reporting.
func (a *AdminHandlers) Identities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"identities":     a.core.Registry().Identities(),
		"initialIndices": a.core.Registry().InitialIndices(),
	})
}

// Health handles GET /health.
func (a *AdminHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"browserConnected": a.core.Bridge().Connected(),
	})
}
