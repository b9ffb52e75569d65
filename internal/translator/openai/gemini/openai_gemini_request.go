// Package gemini provides request translation from OpenAI Chat Completions
// format to the Gemini generative format. It extracts messages, tool
// declarations, and generation config from the raw JSON request and rebuilds
// them in the shape AI Studio expects. The package performs JSON data
// transformation without intermediate struct decoding.
package gemini

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/AIStudioProxyAPI/internal/translator/gemini/common"
	"github.com/router-for-me/AIStudioProxyAPI/internal/util"
)

// placeholderThoughtSignature satisfies validation on models that demand a
// thought signature on function calls. Kept as a single constant so the value
// stays swappable.
const placeholderThoughtSignature = "skip_thought_signature_validator"

// Options carries the process-wide conversion knobs.
type Options struct {
	ForceThinking   bool
	ForceWebSearch  bool
	ForceURLContext bool
}

// imageFetchTimeout bounds remote image downloads referenced by image_url parts.
const imageFetchTimeout = 30 * time.Second

var imageHTTPClient = &http.Client{Timeout: imageFetchTimeout}

// ConfigureImageProxy routes remote image downloads through the configured
// proxy server.
func ConfigureImageProxy(proxyURL string) {
	imageHTTPClient = util.SetProxy(proxyURL, &http.Client{Timeout: imageFetchTimeout})
}

// FetchImage downloads a remote image and returns its bytes and MIME type.
// Overridable for tests. MIME is inferred from Content-Type, then the URL
// filename, falling back to image/jpeg.
var FetchImage = func(rawURL string) ([]byte, string, error) {
	resp, err := imageHTTPClient.Get(rawURL)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(path.Ext(rawURL))
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}

// ConvertOpenAIRequestToGemini transforms an OpenAI Chat Completions request
// into a Gemini generateContent payload.
func ConvertOpenAIRequestToGemini(inputRawJSON []byte, opts Options) []byte {
	root := gjson.ParseBytes(inputRawJSON)
	out := `{"contents":[]}`

	// System messages are concatenated and emitted once as systemInstruction.
	var systemParts []string
	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			if message.Get("role").String() == "system" {
				systemParts = append(systemParts, contentAsText(message.Get("content")))
			}
			return true
		})
	}
	if len(systemParts) > 0 {
		instruction := `{"role":"user","parts":[{"text":""}]}`
		instruction, _ = sjson.Set(instruction, "parts.0.text", strings.Join(systemParts, "\n"))
		out, _ = sjson.SetRaw(out, "systemInstruction", instruction)
	}

	// Non-system messages become contents entries. Consecutive tool messages
	// coalesce into a single user entry of functionResponse parts; Gemini
	// requires alternating roles.
	toolCallNames := map[string]string{}
	pendingToolParts := `[]`
	pendingToolCount := 0

	flushToolRun := func() {
		if pendingToolCount == 0 {
			return
		}
		entry := `{"role":"user","parts":[]}`
		entry, _ = sjson.SetRaw(entry, "parts", pendingToolParts)
		out, _ = sjson.SetRaw(out, "contents.-1", entry)
		pendingToolParts = `[]`
		pendingToolCount = 0
	}

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			role := message.Get("role").String()
			switch role {
			case "system":
				return true
			case "tool":
				part := buildFunctionResponsePart(message, toolCallNames)
				pendingToolParts, _ = sjson.SetRaw(pendingToolParts, "-1", part)
				pendingToolCount++
				return true
			}
			flushToolRun()

			geminiRole := "user"
			if role == "assistant" {
				geminiRole = "model"
			}
			entry := `{"role":"","parts":[]}`
			entry, _ = sjson.Set(entry, "role", geminiRole)
			partsCount := 0

			content := message.Get("content")
			if content.Type == gjson.String {
				if content.String() != "" {
					part := `{"text":""}`
					part, _ = sjson.Set(part, "text", content.String())
					entry, _ = sjson.SetRaw(entry, "parts.-1", part)
					partsCount++
				}
			} else if content.IsArray() {
				content.ForEach(func(_, item gjson.Result) bool {
					part, ok := buildContentPart(item)
					if ok {
						entry, _ = sjson.SetRaw(entry, "parts.-1", part)
						partsCount++
					}
					return true
				})
			}

			// Assistant tool calls become functionCall parts in the same
			// entry. The first one carries the placeholder thoughtSignature.
			if toolCalls := message.Get("tool_calls"); toolCalls.IsArray() {
				firstInEntry := true
				toolCalls.ForEach(func(_, toolCall gjson.Result) bool {
					name := toolCall.Get("function.name").String()
					if id := toolCall.Get("id").String(); id != "" {
						toolCallNames[id] = name
					}
					part := `{"functionCall":{"name":"","args":{}}}`
					part, _ = sjson.Set(part, "functionCall.name", name)
					if args := toolCall.Get("function.arguments").String(); args != "" && gjson.Valid(args) {
						part, _ = sjson.SetRaw(part, "functionCall.args", args)
					}
					if firstInEntry {
						part, _ = sjson.Set(part, "thoughtSignature", placeholderThoughtSignature)
						firstInEntry = false
					}
					entry, _ = sjson.SetRaw(entry, "parts.-1", part)
					partsCount++
					return true
				})
			}

			if partsCount > 0 {
				out, _ = sjson.SetRaw(out, "contents.-1", entry)
			}
			return true
		})
	}
	flushToolRun()

	// Tool declarations, with schemas rewritten for Gemini.
	toolsOut := `[]`
	toolsCount := 0
	if tools := root.Get("tools"); tools.IsArray() {
		declarations := `[]`
		declarationCount := 0
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			function := tool.Get("function")
			declaration := `{"name":""}`
			declaration, _ = sjson.Set(declaration, "name", function.Get("name").String())
			if description := function.Get("description"); description.Exists() {
				declaration, _ = sjson.Set(declaration, "description", description.String())
			}
			if parameters := function.Get("parameters"); parameters.Exists() {
				declaration, _ = sjson.SetRaw(declaration, "parameters", util.CleanFunctionSchemaForGemini(parameters.Raw))
			}
			declarations, _ = sjson.SetRaw(declarations, "-1", declaration)
			declarationCount++
			return true
		})
		if declarationCount > 0 {
			entry, _ := sjson.SetRaw(`{}`, "functionDeclarations", declarations)
			toolsOut, _ = sjson.SetRaw(toolsOut, "-1", entry)
			toolsCount++
		}
	}
	if opts.ForceWebSearch && !toolListContains(toolsOut, "googleSearch") {
		toolsOut, _ = sjson.SetRaw(toolsOut, "-1", `{"googleSearch":{}}`)
		toolsCount++
	}
	if opts.ForceURLContext && !toolListContains(toolsOut, "urlContext") {
		toolsOut, _ = sjson.SetRaw(toolsOut, "-1", `{"urlContext":{}}`)
		toolsCount++
	}
	if toolsCount > 0 {
		out, _ = sjson.SetRaw(out, "tools", toolsOut)
	}

	// Tool choice mapping.
	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		switch {
		case toolChoice.Type == gjson.String:
			mode := ""
			switch toolChoice.String() {
			case "auto":
				mode = "AUTO"
			case "none":
				mode = "NONE"
			case "required":
				mode = "ANY"
			}
			if mode != "" {
				out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", mode)
			}
		case toolChoice.IsObject():
			if name := toolChoice.Get("function.name").String(); name != "" {
				out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "ANY")
				out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.allowedFunctionNames", []string{name})
			}
		}
	}

	// Generation config.
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", maxTokens.Int())
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			var stops []string
			stop.ForEach(func(_, value gjson.Result) bool {
				stops = append(stops, value.String())
				return true
			})
			if len(stops) > 0 {
				out, _ = sjson.Set(out, "generationConfig.stopSequences", stops)
			}
		} else if stop.Type == gjson.String {
			out, _ = sjson.Set(out, "generationConfig.stopSequences", []string{stop.String()})
		}
	}
	if temperature := root.Get("temperature"); temperature.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", temperature.Float())
	}
	if topK := root.Get("top_k"); topK.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topK", topK.Int())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", topP.Float())
	}

	// Thinking configuration: first matching alias wins, then
	// reasoning_effort, then the process-wide force flag.
	thinking := resolveThinkingConfig(root)
	if !thinking.Exists() && root.Get("reasoning_effort").Exists() {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
	} else if thinking.Exists() {
		include := thinking.Get("includeThoughts")
		if !include.Exists() {
			include = thinking.Get("include_thoughts")
		}
		// An explicit thinking config with no includeThoughts field means on.
		value := true
		if include.Exists() {
			value = include.Bool()
		}
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", value)
	} else if opts.ForceThinking {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
	}

	return common.AttachDefaultSafetySettings([]byte(out), "safetySettings")
}

// resolveThinkingConfig extracts the thinking configuration from its aliases.
func resolveThinkingConfig(root gjson.Result) gjson.Result {
	for _, alias := range []string{
		"extra_body.google.thinking_config",
		"extra_body.thinkingConfig",
		"thinking_config",
		"thinkingConfig",
	} {
		if result := root.Get(alias); result.Exists() {
			return result
		}
	}
	return gjson.Result{}
}

// contentAsText flattens a message content into plain text.
func contentAsText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var builder strings.Builder
		content.ForEach(func(_, item gjson.Result) bool {
			if text := item.Get("text"); text.Exists() {
				builder.WriteString(text.String())
			}
			return true
		})
		return builder.String()
	}
	return ""
}

// buildContentPart converts one OpenAI content part into a Gemini part.
func buildContentPart(item gjson.Result) (string, bool) {
	switch item.Get("type").String() {
	case "text":
		part := `{"text":""}`
		part, _ = sjson.Set(part, "text", item.Get("text").String())
		return part, true
	case "image_url":
		imageURL := item.Get("image_url.url").String()
		if strings.HasPrefix(imageURL, "data:") {
			mimeType, data, ok := splitDataURL(imageURL)
			if !ok {
				return failedImagePart(imageURL), true
			}
			part := `{"inlineData":{"mimeType":"","data":""}}`
			part, _ = sjson.Set(part, "inlineData.mimeType", mimeType)
			part, _ = sjson.Set(part, "inlineData.data", data)
			return part, true
		}
		if strings.HasPrefix(imageURL, "http://") || strings.HasPrefix(imageURL, "https://") {
			data, mimeType, err := FetchImage(imageURL)
			if err != nil {
				log.Warnf("openai gemini request: image download failed for %s: %v", imageURL, err)
				return failedImagePart(imageURL), true
			}
			part := `{"inlineData":{"mimeType":"","data":""}}`
			part, _ = sjson.Set(part, "inlineData.mimeType", mimeType)
			part, _ = sjson.Set(part, "inlineData.data", base64.StdEncoding.EncodeToString(data))
			return part, true
		}
		return failedImagePart(imageURL), true
	}
	return "", false
}

// failedImagePart inlines a diagnostic text part in place of an image that
// could not be loaded.
func failedImagePart(imageURL string) string {
	part := `{"text":""}`
	part, _ = sjson.Set(part, "text", fmt.Sprintf("[System Note: Failed to load image %s]", imageURL))
	return part
}

// splitDataURL decodes data:<mime>;base64,<payload> into its components.
func splitDataURL(dataURL string) (string, string, bool) {
	rest := strings.TrimPrefix(dataURL, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", "", false
	}
	meta, payload := rest[:comma], rest[comma+1:]
	mimeType := meta
	if idx := strings.Index(meta, ";"); idx >= 0 {
		mimeType = meta[:idx]
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return mimeType, payload, true
}

// buildFunctionResponsePart converts one OpenAI tool message into a Gemini
// functionResponse part. The function name is recovered from the tool_call_id
// recorded when the assistant emitted the call.
func buildFunctionResponsePart(message gjson.Result, toolCallNames map[string]string) string {
	name := message.Get("name").String()
	if name == "" {
		name = toolCallNames[message.Get("tool_call_id").String()]
	}
	part := `{"functionResponse":{"name":"","response":{}}}`
	part, _ = sjson.Set(part, "functionResponse.name", name)

	content := contentAsText(message.Get("content"))
	if gjson.Valid(content) && gjson.Parse(content).IsObject() {
		part, _ = sjson.SetRaw(part, "functionResponse.response", content)
	} else {
		part, _ = sjson.Set(part, "functionResponse.response.result", content)
	}
	return part
}

// toolListContains reports whether the tools array already carries an entry
// with the given key.
func toolListContains(toolsJSON, key string) bool {
	found := false
	gjson.Parse(toolsJSON).ForEach(func(_, tool gjson.Result) bool {
		if tool.Get(key).Exists() {
			found = true
			return false
		}
		return true
	})
	return found
}
