// token_helpers.go approximates prompt token counts for Gemini request
// payloads. The estimate backs the usage object when a response carries no
// usageMetadata, which happens when a candidate is blocked before generation
// starts.
package util

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

// promptEncoder returns the shared codec. Gemini exposes no public
// tokenizer; O200kBase is the closest modern approximation in the corpus.
func promptEncoder() (tokenizer.Codec, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.O200kBase)
	})
	return enc, encErr
}

// EstimateGeminiPromptTokens approximates prompt tokens for a Gemini
// generateContent payload by encoding all text parts, system instruction,
// and tool declarations.
func EstimateGeminiPromptTokens(payload []byte) (int64, error) {
	codec, err := promptEncoder()
	if err != nil {
		return 0, err
	}
	if codec == nil {
		return 0, fmt.Errorf("encoder is nil")
	}
	if len(payload) == 0 {
		return 0, nil
	}

	root := gjson.ParseBytes(payload)
	segments := make([]string, 0, 32)

	collectParts := func(parts gjson.Result) {
		parts.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				addIfNotEmpty(&segments, text.String())
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				addIfNotEmpty(&segments, fc.Raw)
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				addIfNotEmpty(&segments, fr.Raw)
			}
			return true
		})
	}

	if system := root.Get("systemInstruction.parts"); system.IsArray() {
		collectParts(system)
	}
	if contents := root.Get("contents"); contents.IsArray() {
		contents.ForEach(func(_, content gjson.Result) bool {
			if parts := content.Get("parts"); parts.IsArray() {
				collectParts(parts)
			}
			return true
		})
	}
	if tools := root.Get("tools"); tools.IsArray() {
		addIfNotEmpty(&segments, tools.Raw)
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0, nil
	}
	ids, _, err := codec.Encode(joined)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func addIfNotEmpty(segments *[]string, value string) {
	if strings.TrimSpace(value) != "" {
		*segments = append(*segments, value)
	}
}
