package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/bridgeerr"
	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/logging"
	chatcompletions "github.com/router-for-me/AIStudioProxyAPI/internal/translator/gemini/openai/chat-completions"
	openaigemini "github.com/router-for-me/AIStudioProxyAPI/internal/translator/openai/gemini"
)

// ServeOpenAIChat handles POST /v1/chat/completions: parses the OpenAI body,
// translates it to the Gemini shape, dispatches it through the bridge, and
// converts the response back, streaming or not.
func (h *Handler) ServeOpenAIChat(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, openAIErrorBody(bridgeerr.BadRequest("invalid request: %v", err)))
		return
	}

	model := gjson.GetBytes(rawJSON, "model").String()
	if model == "" {
		c.JSON(http.StatusBadRequest, openAIErrorBody(bridgeerr.BadRequest("model is required")))
		return
	}
	stream := gjson.GetBytes(rawJSON, "stream").Bool()

	geminiBody := openaigemini.ConvertOpenAIRequestToGemini(rawJSON, openaigemini.Options{
		ForceThinking:   h.flags.ForceThinking(),
		ForceWebSearch:  h.flags.ForceWebSearch(),
		ForceURLContext: h.flags.ForceURLContext(),
	})

	mode := h.flags.StreamingMode()
	req := &dispatchRequest{
		ClientRequestID: requestIDFor(c),
		Method:          http.MethodPost,
		Headers:         map[string]string{"Content-Type": "application/json"},
		Body:            string(geminiBody),
		IsGenerative:    true,
	}

	switch {
	case stream && mode == config.StreamingModeReal:
		req.Path = fmt.Sprintf("/v1beta/models/%s:streamGenerateContent", model)
		req.Query = map[string]string{"alt": "sse"}
		req.StreamingMode = bridge.StreamingModeReal
		h.serveOpenAIRealStream(c, req, model, geminiBody)
	case stream:
		// Fake streaming: the agent buffers the upstream and we emit the
		// whole conversion as SSE afterwards.
		req.Path = fmt.Sprintf("/v1beta/models/%s:streamGenerateContent", model)
		req.Query = map[string]string{"alt": "sse"}
		req.StreamingMode = bridge.StreamingModeFake
		h.serveOpenAIFakeStream(c, req, model, geminiBody)
	default:
		req.Path = fmt.Sprintf("/v1beta/models/%s:generateContent", model)
		req.StreamingMode = bridge.StreamingModeFake
		h.serveOpenAINonStream(c, req, model, geminiBody)
	}
}

// serveOpenAIRealStream pipes upstream SSE through the stream converter.
func (h *Handler) serveOpenAIRealStream(c *gin.Context, req *dispatchRequest, model string, geminiBody []byte) {
	state := chatcompletions.NewStreamState(geminiBody)
	out := &convertingStreamSink{
		c: c,
		convert: func(payload string) string {
			return chatcompletions.ConvertGeminiResponseToOpenAIStream([]byte(payload), model, state)
		},
	}

	err := h.dispatch(c.Request.Context(), req, out)
	if err != nil {
		h.renderOpenAIStreamError(c, out, err)
		return
	}
	if errFinish := out.Finish(); errFinish != nil {
		return
	}
	// A terminal frame is guaranteed even when the upstream never sent a
	// finishReason.
	if !streamFinished(state) {
		_ = out.writeFrames(chatcompletions.FinalizeStream(model, state))
	}
	_ = out.writeFrames(chatcompletions.DoneFrame)
}

// serveOpenAIFakeStream buffers the upstream response and converts it into a
// short SSE stream after the fact.
func (h *Handler) serveOpenAIFakeStream(c *gin.Context, req *dispatchRequest, model string, geminiBody []byte) {
	buffer := &bufferSink{}
	if err := h.dispatch(c.Request.Context(), req, buffer); err != nil {
		h.renderOpenAIError(c, err)
		return
	}

	state := chatcompletions.NewStreamState(geminiBody)
	frames := chatcompletions.ConvertGeminiResponseToOpenAIStream([]byte(buffer.body.String()), model, state)

	out := &convertingStreamSink{c: c}
	if err := out.writeFrames(frames); err != nil {
		return
	}
	if !streamFinished(state) {
		_ = out.writeFrames(chatcompletions.FinalizeStream(model, state))
	}
	_ = out.writeFrames(chatcompletions.DoneFrame)
}

// serveOpenAINonStream buffers the upstream response and renders one
// chat.completion document.
func (h *Handler) serveOpenAINonStream(c *gin.Context, req *dispatchRequest, model string, geminiBody []byte) {
	buffer := &bufferSink{}
	if err := h.dispatch(c.Request.Context(), req, buffer); err != nil {
		h.renderOpenAIError(c, err)
		return
	}
	converted := chatcompletions.ConvertGeminiResponseToOpenAINonStream([]byte(buffer.body.String()), model, geminiBody)
	c.Data(http.StatusOK, "application/json", []byte(converted))
}

// renderOpenAIError reports a terminal dispatch failure as JSON.
func (h *Handler) renderOpenAIError(c *gin.Context, err error) {
	if bridgeerr.CodeOf(err) == bridgeerr.CodeCanceled {
		// The client is gone; there is nobody to answer.
		c.Abort()
		return
	}
	status := clientStatusOf(err)
	log.WithField("request_id", requestIDFor(c)).Warnf("handler: request failed: %v", err)
	c.JSON(status, openAIErrorBody(err))
}

// renderOpenAIStreamError reports a failure on a streaming response: JSON
// before commit, an SSE error frame after.
func (h *Handler) renderOpenAIStreamError(c *gin.Context, out *convertingStreamSink, err error) {
	if bridgeerr.CodeOf(err) == bridgeerr.CodeCanceled {
		c.Abort()
		return
	}
	if !out.Committed() {
		h.renderOpenAIError(c, err)
		return
	}
	payload, _ := json.Marshal(openAIErrorBody(err))
	_ = out.writeFrames("data: " + string(payload) + "\n\n")
	_ = out.writeFrames(chatcompletions.DoneFrame)
}

// streamFinished reports whether the converter already emitted the final
// frame for this stream.
func streamFinished(state *chatcompletions.StreamState) bool {
	return state.FinishedSent
}

// requestIDFor returns the per-request fingerprint id assigned by the
// logging middleware, minting one when absent.
func requestIDFor(c *gin.Context) string {
	if id := logging.GetGinRequestID(c); id != "" {
		return id
	}
	id := logging.GenerateRequestID()
	logging.SetGinRequestID(c, id)
	return id
}
