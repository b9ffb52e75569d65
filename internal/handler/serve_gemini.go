package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/bridgeerr"
	geminigemini "github.com/router-for-me/AIStudioProxyAPI/internal/translator/gemini/gemini"
)

// ServeGeminiNative handles POST /{version}/models/{model}:{method}: the
// inbound body is sanitized and the upstream response is returned untouched.
func (h *Handler) ServeGeminiNative(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		badRequest := bridgeerr.BadRequest("invalid request: %v", err)
		c.JSON(http.StatusBadRequest, geminiErrorBody(http.StatusBadRequest, badRequest))
		return
	}

	version := c.Param("version")
	// The wildcard match arrives as "/{model}:{method}".
	action := strings.TrimPrefix(c.Param("action"), "/")
	model, method, ok := strings.Cut(action, ":")
	if !ok || model == "" || method == "" {
		badRequest := bridgeerr.BadRequest("expected models/{model}:{method}")
		c.JSON(http.StatusBadRequest, geminiErrorBody(http.StatusBadRequest, badRequest))
		return
	}
	stream := method == "streamGenerateContent"

	sanitized := geminigemini.SanitizeGeminiRequest(rawJSON)

	query := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		// Client credentials for this proxy never travel upstream.
		if key == "key" {
			continue
		}
		query[key] = values[0]
	}

	req := &dispatchRequest{
		ClientRequestID: requestIDFor(c),
		Method:          http.MethodPost,
		Path:            fmt.Sprintf("/%s/models/%s:%s", version, model, method),
		Query:           query,
		Headers:         map[string]string{"Content-Type": "application/json"},
		Body:            string(sanitized),
		IsGenerative:    true,
	}

	if stream {
		req.StreamingMode = h.flags.StreamingMode()
		out := &rawStreamSink{c: c}
		if errDispatch := h.dispatch(c.Request.Context(), req, out); errDispatch != nil {
			h.renderGeminiError(c, out.Committed(), errDispatch)
		}
		return
	}

	req.StreamingMode = bridge.StreamingModeFake
	buffer := &bufferSink{}
	if errDispatch := h.dispatch(c.Request.Context(), req, buffer); errDispatch != nil {
		h.renderGeminiError(c, false, errDispatch)
		return
	}
	status := buffer.status
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, "application/json", []byte(buffer.body.String()))
}

// renderGeminiError reports a terminal failure in the Gemini error shape.
func (h *Handler) renderGeminiError(c *gin.Context, committed bool, err error) {
	if bridgeerr.CodeOf(err) == bridgeerr.CodeCanceled {
		c.Abort()
		return
	}
	status := clientStatusOf(err)
	log.WithField("request_id", requestIDFor(c)).Warnf("handler: gemini request failed: %v", err)
	if committed {
		// Mid-stream failure: nothing valid can be appended, end the body.
		return
	}
	c.JSON(status, geminiErrorBody(status, err))
}
