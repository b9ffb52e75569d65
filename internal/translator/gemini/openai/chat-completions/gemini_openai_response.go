// Package chat_completions provides response translation from the Gemini
// generative format to OpenAI Chat Completions format, for both streaming
// and non-streaming modes. Streaming conversion is a pure function of
// (chunk, state); the state is confined to one request and never shared.
package chat_completions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/AIStudioProxyAPI/internal/util"
)

// blockedMessage is surfaced when the upstream refuses to generate.
const blockedMessage = "[ProxySystem Error] Request blocked due to safety settings. Adjust the prompt and retry."

// StreamState carries the per-request translation state across chunks.
type StreamState struct {
	// ID is the stable chatcmpl response id.
	ID string
	// Created is the stable creation timestamp.
	Created int64
	// RoleSent records whether the assistant role was already attached. It
	// becomes true at most once, on the first delta with content.
	RoleSent bool
	// ToolCallIndex is the monotonically increasing tool call counter.
	ToolCallIndex int
	// HasFunctionCall records whether any function call was emitted.
	HasFunctionCall bool
	// UsageRaw is the latest usageMetadata snapshot, attached only to the
	// final frame.
	UsageRaw string
	// RequestPayload is the outbound Gemini request, kept for the usage
	// fallback estimate when the upstream omits usageMetadata.
	RequestPayload []byte
	// FinishedSent records that the final frame has been emitted.
	FinishedSent bool
}

// NewStreamState initializes the state for one streaming response.
func NewStreamState(requestRawJSON []byte) *StreamState {
	return &StreamState{
		ID:             "chatcmpl-" + uuid.NewString(),
		Created:        time.Now().Unix(),
		RequestPayload: requestRawJSON,
	}
}

// finishReasonToOpenAI maps Gemini finish reasons onto OpenAI ones.
func finishReasonToOpenAI(reason string) string {
	switch strings.ToLower(reason) {
	case "max_tokens":
		return "length"
	case "safety":
		return "content_filter"
	case "stop", "recitation", "other":
		return "stop"
	default:
		return "stop"
	}
}

// ConvertGeminiResponseToOpenAIStream translates one Gemini streaming chunk
// into zero or more OpenAI SSE frames, returned as concatenated
// "data: ...\n\n" lines. When the chunk carries a finishReason the final
// frame (finish_reason plus usage) is appended.
func ConvertGeminiResponseToOpenAIStream(rawJSON []byte, modelName string, state *StreamState) string {
	var output strings.Builder

	if usage := gjson.GetBytes(rawJSON, "usageMetadata"); usage.Exists() {
		state.UsageRaw = usage.Raw
	}

	candidate := gjson.GetBytes(rawJSON, "candidates.0")
	if !candidate.Exists() {
		if gjson.GetBytes(rawJSON, "promptFeedback").Exists() {
			// Blocked before generation: one synthetic content chunk plus the
			// final frame.
			delta, _ := sjson.Set(`{"role":"assistant","content":""}`, "content", blockedMessage)
			state.RoleSent = true
			output.WriteString(sseFrame(state.chunkTemplate(modelName, delta, "")))
			output.WriteString(sseFrame(state.finalFrame(modelName, "stop")))
		}
		return output.String()
	}

	parts := candidate.Get("content.parts")
	if parts.IsArray() {
		parts.ForEach(func(_, part gjson.Result) bool {
			delta, ok := state.deltaForPart(part)
			if !ok {
				return true
			}
			output.WriteString(sseFrame(state.chunkTemplate(modelName, delta, "")))
			return true
		})
	}

	if finishReason := candidate.Get("finishReason"); finishReason.Exists() && finishReason.String() != "" {
		reason := finishReasonToOpenAI(finishReason.String())
		if state.HasFunctionCall {
			reason = "tool_calls"
		}
		output.WriteString(sseFrame(state.finalFrame(modelName, reason)))
	}

	return output.String()
}

// deltaForPart converts one Gemini part into an OpenAI delta object. The
// assistant role is attached only to the first non-empty delta.
func (s *StreamState) deltaForPart(part gjson.Result) (string, bool) {
	delta := `{}`
	populated := false

	if text := part.Get("text"); text.Exists() {
		if part.Get("thought").Bool() {
			delta, _ = sjson.Set(delta, "reasoning_content", text.String())
		} else {
			delta, _ = sjson.Set(delta, "content", text.String())
		}
		populated = true
	} else if functionCall := part.Get("functionCall"); functionCall.Exists() {
		s.HasFunctionCall = true
		toolCall := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
		toolCall, _ = sjson.Set(toolCall, "index", s.ToolCallIndex)
		toolCall, _ = sjson.Set(toolCall, "id", fmt.Sprintf("call_%s", uuid.NewString()))
		toolCall, _ = sjson.Set(toolCall, "function.name", functionCall.Get("name").String())
		args := "{}"
		if argsResult := functionCall.Get("args"); argsResult.Exists() {
			args = argsResult.Raw
		}
		toolCall, _ = sjson.Set(toolCall, "function.arguments", args)
		s.ToolCallIndex++
		delta, _ = sjson.SetRaw(delta, "tool_calls", "["+toolCall+"]")
		populated = true
	} else if inlineData := part.Get("inlineData"); inlineData.Exists() {
		data := inlineData.Get("data").String()
		if data == "" {
			return "", false
		}
		mimeType := inlineData.Get("mimeType").String()
		if mimeType == "" {
			mimeType = "image/png"
		}
		delta, _ = sjson.Set(delta, "content", fmt.Sprintf("![image](data:%s;base64,%s)", mimeType, data))
		populated = true
	}

	if !populated {
		return "", false
	}
	if !s.RoleSent {
		delta, _ = sjson.Set(delta, "role", "assistant")
		s.RoleSent = true
	}
	return delta, true
}

// chunkTemplate builds one chat.completion.chunk document.
func (s *StreamState) chunkTemplate(modelName, deltaRaw, finishReason string) string {
	template := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "id", s.ID)
	template, _ = sjson.Set(template, "created", s.Created)
	template, _ = sjson.Set(template, "model", modelName)
	template, _ = sjson.SetRaw(template, "choices.0.delta", deltaRaw)
	if finishReason != "" {
		template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason)
	}
	return template
}

// finalFrame builds the terminal chunk carrying finish_reason and usage.
func (s *StreamState) finalFrame(modelName, finishReason string) string {
	s.FinishedSent = true
	template := s.chunkTemplate(modelName, `{}`, finishReason)
	template = attachUsage(template, s.UsageRaw, s.RequestPayload)
	return template
}

// sseFrame wraps one JSON document as a server-sent event.
func sseFrame(payload string) string {
	return "data: " + payload + "\n\n"
}

// DoneFrame terminates an OpenAI SSE stream.
const DoneFrame = "data: [DONE]\n\n"

// attachUsage writes the OpenAI usage object from a Gemini usageMetadata
// snapshot. prompt_tokens folds in tool-use prompt tokens; completion_tokens
// folds in thoughts. When no snapshot exists the prompt side falls back to a
// token estimate of the outbound request.
func attachUsage(template, usageRaw string, requestRawJSON []byte) string {
	if usageRaw == "" {
		if len(requestRawJSON) == 0 {
			return template
		}
		estimate, err := util.EstimateGeminiPromptTokens(requestRawJSON)
		if err != nil {
			log.Warnf("gemini openai response: prompt token estimate failed: %v", err)
			return template
		}
		template, _ = sjson.Set(template, "usage.prompt_tokens", estimate)
		template, _ = sjson.Set(template, "usage.completion_tokens", 0)
		template, _ = sjson.Set(template, "usage.total_tokens", estimate)
		return template
	}

	usage := gjson.Parse(usageRaw)
	promptTokens := usage.Get("promptTokenCount").Int() + usage.Get("toolUsePromptTokenCount").Int()
	completionTokens := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	totalTokens := usage.Get("totalTokenCount").Int()
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	template, _ = sjson.Set(template, "usage.prompt_tokens", promptTokens)
	template, _ = sjson.Set(template, "usage.completion_tokens", completionTokens)
	template, _ = sjson.Set(template, "usage.total_tokens", totalTokens)

	if thoughts := usage.Get("thoughtsTokenCount").Int(); thoughts > 0 {
		template, _ = sjson.Set(template, "usage.completion_tokens_details.reasoning_tokens", thoughts)
	}
	if details := usage.Get("promptTokensDetails"); details.IsArray() {
		details.ForEach(func(_, detail gjson.Result) bool {
			count := detail.Get("tokenCount").Int()
			switch detail.Get("modality").String() {
			case "TEXT":
				template, _ = sjson.Set(template, "usage.prompt_tokens_details.text_tokens", count)
			case "IMAGE":
				template, _ = sjson.Set(template, "usage.prompt_tokens_details.image_tokens", count)
			}
			return true
		})
	}
	return template
}

// FinalizeStream returns the final frame for a stream whose upstream closed
// without a finishReason, so clients always observe a terminal chunk.
func FinalizeStream(modelName string, state *StreamState) string {
	reason := "stop"
	if state.HasFunctionCall {
		reason = "tool_calls"
	}
	return sseFrame(state.finalFrame(modelName, reason))
}

// ConvertGeminiResponseToOpenAINonStream converts a complete Gemini response
// into a single OpenAI chat.completion document.
func ConvertGeminiResponseToOpenAINonStream(rawJSON []byte, modelName string, requestRawJSON []byte) string {
	template := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[]}`
	template, _ = sjson.Set(template, "id", "chatcmpl-"+uuid.NewString())
	template, _ = sjson.Set(template, "created", time.Now().Unix())
	template, _ = sjson.Set(template, "model", modelName)

	candidate := gjson.GetBytes(rawJSON, "candidates.0")
	if !candidate.Exists() {
		if gjson.GetBytes(rawJSON, "promptFeedback").Exists() {
			choice := `{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}`
			choice, _ = sjson.Set(choice, "message.content", blockedMessage)
			template, _ = sjson.SetRaw(template, "choices.-1", choice)
		}
		return attachUsage(template, gjson.GetBytes(rawJSON, "usageMetadata").Raw, requestRawJSON)
	}

	choice := `{"index":0,"message":{"role":"assistant","content":null},"finish_reason":null}`
	var content, reasoning strings.Builder
	toolCalls := `[]`
	toolCallCount := 0

	if parts := candidate.Get("content.parts"); parts.IsArray() {
		parts.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				if part.Get("thought").Bool() {
					reasoning.WriteString(text.String())
				} else {
					content.WriteString(text.String())
				}
			} else if functionCall := part.Get("functionCall"); functionCall.Exists() {
				toolCall := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				toolCall, _ = sjson.Set(toolCall, "id", "call_"+uuid.NewString())
				toolCall, _ = sjson.Set(toolCall, "function.name", functionCall.Get("name").String())
				args := "{}"
				if argsResult := functionCall.Get("args"); argsResult.Exists() {
					args = argsResult.Raw
				}
				toolCall, _ = sjson.Set(toolCall, "function.arguments", args)
				toolCalls, _ = sjson.SetRaw(toolCalls, "-1", toolCall)
				toolCallCount++
			} else if inlineData := part.Get("inlineData"); inlineData.Exists() {
				data := inlineData.Get("data").String()
				if data != "" {
					mimeType := inlineData.Get("mimeType").String()
					if mimeType == "" {
						mimeType = "image/png"
					}
					content.WriteString(fmt.Sprintf("![image](data:%s;base64,%s)", mimeType, data))
				}
			}
			return true
		})
	}

	if content.Len() > 0 {
		choice, _ = sjson.Set(choice, "message.content", content.String())
	}
	if reasoning.Len() > 0 {
		choice, _ = sjson.Set(choice, "message.reasoning_content", reasoning.String())
	}

	finishReason := finishReasonToOpenAI(candidate.Get("finishReason").String())
	if toolCallCount > 0 {
		choice, _ = sjson.SetRaw(choice, "message.tool_calls", toolCalls)
		finishReason = "tool_calls"
	}
	choice, _ = sjson.Set(choice, "finish_reason", finishReason)
	template, _ = sjson.SetRaw(template, "choices.-1", choice)

	return attachUsage(template, gjson.GetBytes(rawJSON, "usageMetadata").Raw, requestRawJSON)
}
