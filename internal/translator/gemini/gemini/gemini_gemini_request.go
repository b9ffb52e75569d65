// Package gemini provides in-provider request normalization for native
// Gemini API payloads forwarded through the proxy. The body is passed
// upstream with its shape intact; only the adjustments AI Studio requires
// are applied.
package gemini

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/AIStudioProxyAPI/internal/translator/gemini/common"
	"github.com/router-for-me/AIStudioProxyAPI/internal/util"
)

// thoughtSignaturePlaceholder mirrors the value the OpenAI conversion path
// attaches; some models reject function calls without one.
const thoughtSignaturePlaceholder = "skip_thought_signature_validator"

// SanitizeGeminiRequest normalizes a native Gemini v1beta request: tool
// declarations are cleaned, function calls gain thought signatures, and
// safety settings are pinned to BLOCK_NONE.
func SanitizeGeminiRequest(inputRawJSON []byte) []byte {
	rawJSON := CleanRequestTools(inputRawJSON)
	rawJSON = EnsureThoughtSignatures(rawJSON)
	return common.AttachDefaultSafetySettings(rawJSON, "safetySettings")
}

// CleanRequestTools rewrites every function declaration schema in the tools
// array for Gemini's validator.
func CleanRequestTools(rawJSON []byte) []byte {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() {
		return rawJSON
	}
	for i := range tools.Array() {
		declarationsPath := fmt.Sprintf("tools.%d.functionDeclarations", i)
		declarations := gjson.GetBytes(rawJSON, declarationsPath)
		if !declarations.IsArray() {
			continue
		}
		for j := range declarations.Array() {
			parametersPath := fmt.Sprintf("%s.%d.parameters", declarationsPath, j)
			if parameters := gjson.GetBytes(rawJSON, parametersPath); parameters.Exists() {
				cleaned := util.CleanFunctionSchemaForGemini(parameters.Raw)
				rawJSON, _ = sjson.SetRawBytes(rawJSON, parametersPath, []byte(cleaned))
			}
		}
	}
	return rawJSON
}

// EnsureThoughtSignatures adds the placeholder thoughtSignature to every
// functionCall part that lacks one.
func EnsureThoughtSignatures(rawJSON []byte) []byte {
	contents := gjson.GetBytes(rawJSON, "contents")
	if !contents.IsArray() {
		return rawJSON
	}
	for i, content := range contents.Array() {
		parts := content.Get("parts")
		if !parts.IsArray() {
			continue
		}
		for j, part := range parts.Array() {
			if !part.Get("functionCall").Exists() || part.Get("thoughtSignature").Exists() {
				continue
			}
			signaturePath := fmt.Sprintf("contents.%d.parts.%d.thoughtSignature", i, j)
			rawJSON, _ = sjson.SetBytes(rawJSON, signaturePath, thoughtSignaturePlaceholder)
		}
	}
	return rawJSON
}
